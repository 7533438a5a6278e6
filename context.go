package taskloop

import (
	"context"

	"github.com/taskloop/taskloop/ctxvar"
)

// NewContextGroup builds a ctxvar.Group identified by *Task: variable reads
// walk from the current task up through its ancestors, and a variable's
// per-task override is purged automatically once that task cleans up.
func NewContextGroup() *ctxvar.Group[*Task] {
	return ctxvar.NewGroup[*Task](
		func(t *Task) (*Task, bool) {
			if t.parent == nil {
				return nil, false
			}
			return t.parent, true
		},
		func(ctx context.Context) (*Task, bool) {
			return CurrentTask(ctx)
		},
		func(ctx context.Context, t *Task) context.Context {
			return withCurrentTask(ctx, t)
		},
		func(t *Task, fn func()) {
			t.onCleanupHook(fn)
		},
	)
}
