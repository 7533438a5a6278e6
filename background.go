package taskloop

import (
	"context"
	"errors"
	"fmt"
)

// backgroundHandle tracks one in-flight background goroutine spawned by
// Task.background, so cleanup can cancel it if it is still running when the
// owning task tears down.
type backgroundHandle struct {
	cancel context.CancelFunc
}

// Background runs target in its own goroutine, with ctx's current task set
// to t, without blocking t. Legal only while t is running or waiting. If
// wait is true, t cannot leave the waiting state until target returns; an
// error returned by target (other than target's ctx being cancelled because
// t tore down first) fails t.
func (t *Task) Background(target Body, wait bool) {
	t.background(target, wait, false)
}

// background runs target in its own goroutine with ctx's current task set
// to t. If wait is true, t cannot leave the waiting state until target
// returns (it is tracked as a "draining" handler); otherwise it is tracked
// only so it can be cancelled if t tears down first ("fire and forget").
// errorHandler marks target as an error-handler invocation (registered via
// SetErrorHandler / propagateFailure), in which case it is allowed to run
// even once t has finished, and is not itself required to wait.
func (t *Task) background(target func(ctx context.Context) error, wait, errorHandler bool) {
	t.mu.Lock()
	state := t.state
	finished := state.IsTerminal()
	t.mu.Unlock()

	if !errorHandler && state != StateRunning && state != StateWaiting {
		panic(fmt.Sprintf("%s: background handlers may only be created for a running or waiting task", Namespace))
	}

	effectiveWait := wait && !(errorHandler && finished)

	bgCtx, cancel := context.WithCancel(context.Background())
	bgCtx = withCurrentTask(bgCtx, t)
	handle := &backgroundHandle{cancel: cancel}

	track := !(errorHandler && finished)
	if track {
		t.mu.Lock()
		if effectiveWait {
			t.backgroundDrain.add(handle)
		} else {
			t.backgroundFireForget.add(handle)
		}
		t.mu.Unlock()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.failWith(fmt.Errorf("%s: background handler panicked: %v", Namespace, r))
			}
		}()

		err := target(bgCtx)

		if track {
			t.mu.Lock()
			if effectiveWait {
				t.backgroundDrain.remove(handle)
			} else {
				t.backgroundFireForget.remove(handle)
			}
			t.mu.Unlock()
		}

		switch {
		case err == nil:
			if effectiveWait {
				t.checkFinish()
			}
		case errors.Is(err, context.Canceled):
			// Cancelled because the owning task tore down; nothing to report.
		default:
			t.failWith(err)
		}
	}()
}
