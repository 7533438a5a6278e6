package taskloop

import (
	"errors"
	"fmt"
)

// Namespace prefixes every sentinel error defined by this package.
const Namespace = "taskloop"

var (
	// ErrNoTaskLoop is returned by New, and is the panic value of
	// MustCurrentTask, when ctx carries no current task.
	ErrNoTaskLoop = errors.New(Namespace + ": no task loop is currently active")

	// ErrLoopAlreadyInstalled is returned by Run when a loop is already installed.
	ErrLoopAlreadyInstalled = errors.New(Namespace + ": a task loop is already installed")

	// ErrNotPreparing is returned by operations legal only during the preparing state.
	ErrNotPreparing = errors.New(Namespace + ": task is not in the preparing state")

	// ErrNotPreparingOrPending is returned by operations legal only before a task starts running.
	ErrNotPreparingOrPending = errors.New(Namespace + ": task is not preparing or pending")

	// ErrNotRunning is returned by operations legal only while the parent task is running.
	ErrNotRunning = errors.New(Namespace + ": parent task is not running")

	// ErrTaskFinished reports an operation on a task that has already
	// finished. No function in this package returns it.
	ErrTaskFinished = errors.New(Namespace + ": task has already finished")

	// ErrContextVarNotSet reports a context variable with no override or
	// default. ctxvar.Var.Get reports that case with ctxvar.ErrNotSet, not
	// with this error.
	ErrContextVarNotSet = errors.New(Namespace + ": context variable not set")
)

// TaskAborted is the common marker implemented by every abort-kind error this
// package produces: TaskCancelled, TaskFailed, DependencyCancelled,
// DependencyFailed, ChildCancelled and ChildFailed.
type TaskAborted interface {
	error
	// Task returns the task the abort is reported about.
	Task() *Task
	// aborted is unexported so TaskAborted cannot be implemented outside this package.
	aborted()
}

type abortBase struct {
	task *Task
}

func (a abortBase) Task() *Task { return a.task }
func (abortBase) aborted()      {}

// TaskCancelled reports that a task was cancelled, directly or via an ancestor.
type TaskCancelled struct{ abortBase }

func NewTaskCancelled(t *Task) *TaskCancelled { return &TaskCancelled{abortBase{t}} }

func (e *TaskCancelled) Error() string { return fmt.Sprintf("%s: task %s cancelled", Namespace, e.task) }

// TaskFailed reports that a task raised an uncaught error. The original error
// is reachable via errors.Unwrap.
type TaskFailed struct {
	abortBase
	cause error
}

func NewTaskFailed(t *Task, cause error) *TaskFailed { return &TaskFailed{abortBase{t}, cause} }

func (e *TaskFailed) Error() string {
	return fmt.Sprintf("%s: task %s failed: %v", Namespace, e.task, e.cause)
}

func (e *TaskFailed) Unwrap() error { return e.cause }

// DependencyCancelled reports that a dependency of the observer was cancelled.
type DependencyCancelled struct{ abortBase }

func NewDependencyCancelled(t *Task) *DependencyCancelled {
	return &DependencyCancelled{abortBase{t}}
}

func (e *DependencyCancelled) Error() string {
	return fmt.Sprintf("%s: dependency %s cancelled", Namespace, e.task)
}

// DependencyFailed reports that a dependency of the observer failed. The
// original error is reachable via errors.Unwrap.
type DependencyFailed struct {
	abortBase
	cause error
}

func NewDependencyFailed(t *Task, cause error) *DependencyFailed {
	return &DependencyFailed{abortBase{t}, cause}
}

func (e *DependencyFailed) Error() string {
	return fmt.Sprintf("%s: dependency %s failed: %v", Namespace, e.task, e.cause)
}

func (e *DependencyFailed) Unwrap() error { return e.cause }

// ChildCancelled reports that a child of the observer was cancelled.
type ChildCancelled struct{ abortBase }

func NewChildCancelled(t *Task) *ChildCancelled { return &ChildCancelled{abortBase{t}} }

func (e *ChildCancelled) Error() string {
	return fmt.Sprintf("%s: child task %s cancelled", Namespace, e.task)
}

// ChildFailed reports that a child of the observer failed. The original error
// is reachable via errors.Unwrap.
type ChildFailed struct {
	abortBase
	cause error
}

func NewChildFailed(t *Task, cause error) *ChildFailed { return &ChildFailed{abortBase{t}, cause} }

func (e *ChildFailed) Error() string {
	return fmt.Sprintf("%s: child task %s failed: %v", Namespace, e.task, e.cause)
}

func (e *ChildFailed) Unwrap() error { return e.cause }

// errCancelled is the internal sentinel stored by a gate when a task is
// cancelled or discarded, distinguishing it from a propagated failure.
var errCancelled = errors.New(Namespace + ": cancelled")
