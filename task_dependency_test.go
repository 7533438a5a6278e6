package taskloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestTask_LinearDependency builds A <- B <- C (C depends on B, B depends on
// A) and checks they finish in dependency order.
//
// Run's body, and every task's run hook, execute on goroutines other than
// the test's own, so all assertions happen after Run returns; inside the
// body we can only propagate errors.
func TestTask_LinearDependency(t *testing.T) {
	var order []string
	var a, b, c *Task

	err := Run(withDeadline(t), func(ctx context.Context) error {
		var err error
		a, err = New(ctx, "a", WithRun(func(ctx context.Context) error {
			order = append(order, "a")
			return nil
		}))
		if err != nil {
			return err
		}

		b, err = New(ctx, "b", WithRun(func(ctx context.Context) error {
			order = append(order, "b")
			return nil
		}))
		if err != nil {
			return err
		}
		if err := b.DependsOn(a); err != nil {
			return err
		}

		c, err = New(ctx, "c", WithRun(func(ctx context.Context) error {
			order = append(order, "c")
			return nil
		}))
		if err != nil {
			return err
		}
		return c.DependsOn(b)
	})

	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, StateDone, a.State())
	require.Equal(t, StateDone, b.State())
	require.Equal(t, StateDone, c.State())
}

// TestTask_DependsOn_AfterRunning rejects a dependency declared once the
// task has left the preparing/pending window.
func TestTask_DependsOn_AfterRunning(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var dep *Task
	var dependsErr error

	err := Run(withDeadline(t), func(ctx context.Context) error {
		var err error
		dep, err = New(ctx, "dep", WithRun(func(ctx context.Context) error { return nil }))
		if err != nil {
			return err
		}
		if err := dep.Started(ctx); err != nil {
			return err
		}

		self, err := New(ctx, "self", WithRun(func(ctx context.Context) error {
			close(started)
			<-proceed
			return nil
		}))
		if err != nil {
			return err
		}
		if err := self.Started(ctx); err != nil {
			return err
		}
		<-started
		dependsErr = self.DependsOn(dep)
		close(proceed)
		return nil
	})

	require.NoError(t, err)
	require.ErrorIs(t, dependsErr, ErrNotPreparingOrPending)
}
