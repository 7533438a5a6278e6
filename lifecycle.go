package taskloop

import "sync"

// lifecycleCoordinator runs an ordered sequence of teardown steps exactly
// once, no matter how many goroutines call Close concurrently. Every Task
// uses one to sequence its cleanup: detaching dependency/child callbacks,
// discarding dependencies that lost their last reverse-dependency, releasing
// a held lease, cancelling outstanding background handlers, and closing the
// task's event cursors, in that order.
type lifecycleCoordinator struct {
	steps []func()
	once  sync.Once
}

func newLifecycleCoordinator(steps ...func()) *lifecycleCoordinator {
	return &lifecycleCoordinator{steps: steps}
}

// Close runs the coordinator's steps in order. Only the first call has any
// effect; concurrent and subsequent callers block until that first call's
// steps have all run, then return immediately.
func (lc *lifecycleCoordinator) Close() {
	lc.once.Do(func() {
		for _, step := range lc.steps {
			if step != nil {
				step()
			}
		}
	})
}
