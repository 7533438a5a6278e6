package taskloop

import (
	"context"
	"errors"
	"sync"
)

// gate is a one-shot signal that resolves exactly once with either success
// (nil) or an abort reason (errCancelled or a failure cause). It is the Go
// equivalent of the asyncio.Future used by the started/finished signals in
// the design this engine implements, including done-callback support so
// dependents and parents can react to a gate resolving without polling.
type gate struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	resolved  bool
	callbacks []gateCallback
	nextID    int
}

type gateCallback struct {
	id int
	fn func(error)
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// resolve completes the gate. Only the first call has any effect, matching
// invariant 2 ("finished-gate completes exactly once").
func (g *gate) resolve(err error) {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.err = err
	close(g.done)
	callbacks := g.callbacks
	g.callbacks = nil
	g.mu.Unlock()

	for _, cb := range callbacks {
		if cb.fn != nil {
			cb.fn(err)
		}
	}
}

func (g *gate) isResolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

// onResolve registers a callback to run (once) when the gate resolves, in
// the order callbacks were registered, and returns a function that detaches
// it again if it hasn't fired yet. If the gate has already resolved, the
// callback runs synchronously before onResolve returns.
func (g *gate) onResolve(fn func(error)) (detach func()) {
	g.mu.Lock()
	if g.resolved {
		err := g.err
		g.mu.Unlock()
		fn(err)
		return func() {}
	}
	id := g.nextID
	g.nextID++
	g.callbacks = append(g.callbacks, gateCallback{id: id, fn: fn})
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		for i := range g.callbacks {
			if g.callbacks[i].id == id {
				g.callbacks[i].fn = nil
				break
			}
		}
		g.mu.Unlock()
	}
}

// wait blocks until the gate resolves or ctx is cancelled, returning the
// gate's resolution error (nil on success) or ctx's error if ctx loses the
// race.
func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	default:
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result returns the resolution error once resolved; ok is false otherwise.
func (g *gate) result() (err error, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err, g.resolved
}

// toTaskAbort translates a gate's raw resolution error (nil, errCancelled or
// a failure cause) into the user-visible abort reported when awaiting a
// task's started/finished signal from outside: nil on success,
// TaskCancelled on cancellation, TaskFailed wrapping the cause otherwise.
func toTaskAbort(t *Task, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errCancelled) {
		return NewTaskCancelled(t)
	}
	return NewTaskFailed(t, err)
}

// translateWait adapts a raw gate.wait result for external callers of
// Task.Started / Task.Finished: a caller-supplied ctx expiring is reported
// as-is, while an actual gate resolution is translated via toTaskAbort.
func translateWait(t *Task, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return toTaskAbort(t, err)
}
