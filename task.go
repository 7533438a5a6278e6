package taskloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskloop/taskloop/lease"
)

// leaseHandle is the lease currently held or awaited by a task.
type leaseHandle = lease.Lease

// Body is a task's on-prepare or on-run hook.
type Body func(ctx context.Context) error

// ErrorHandler reacts to a failed or cancelled dependency or child (or, when
// registered against the task itself, to the task's own on-run error). It
// may return an error, which fails the owning task with that error.
type ErrorHandler func(ctx context.Context, cause error) error

type ctxKey struct{}

var currentTaskKey ctxKey

func withCurrentTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, currentTaskKey, t)
}

// CurrentTask returns the task associated with ctx, if any.
func CurrentTask(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(currentTaskKey).(*Task)
	return t, ok
}

// MustCurrentTask returns the task associated with ctx, panicking with
// ErrNoTaskLoop if there is none.
func MustCurrentTask(ctx context.Context) *Task {
	t, ok := CurrentTask(ctx)
	if !ok {
		panic(ErrNoTaskLoop)
	}
	return t
}

// Task is a single node in the task tree: a unit of work with a lifecycle,
// optional dependencies and children, an optional lease requirement, and an
// event stream. Every exported method is safe for concurrent use.
type Task struct {
	mu sync.Mutex

	name       string
	parent     *Task
	childNames map[string]bool
	loop       *Loop

	state    TaskState
	discard  bool
	useLease bool

	children            *orderedSet[*Task]
	dependencies        *orderedSet[*Task]
	reverseDependencies *orderedSet[*Task]
	pendingDependencies map[*Task]func()
	pendingChildren     map[*Task]func()

	errorHandlers map[*Task]ErrorHandler

	cancelledBy *Task

	started  *gate
	finished *gate

	eventCursors eventCursorMap

	backgroundFireForget *orderedSet[*backgroundHandle]
	backgroundDrain      *orderedSet[*backgroundHandle]

	cleanupFuncs  []func()
	cleanupSealed bool
	cleanup       *lifecycleCoordinator

	currentLease leaseHandle

	onPrepare Body
	onRun     Body
	onCancel  func(ctx context.Context)
	onCleanup func()

	driverCancel context.CancelFunc
}

// TaskOption configures a Task at construction time, before New returns it.
type TaskOption func(*Task)

// WithPrepare sets the hook run while the task is in the preparing state.
func WithPrepare(fn Body) TaskOption { return func(t *Task) { t.onPrepare = fn } }

// WithRun sets the hook run while the task is in the running state.
func WithRun(fn Body) TaskOption { return func(t *Task) { t.onRun = fn } }

// WithOnCancel sets a hook invoked when the task is cancelled or discarded.
func WithOnCancel(fn func(ctx context.Context)) TaskOption {
	return func(t *Task) { t.onCancel = fn }
}

// WithOnCleanup sets a hook invoked exactly once, during the task's cleanup.
func WithOnCleanup(fn func()) TaskOption { return func(t *Task) { t.onCleanup = fn } }

// WithDiscard sets the task's initial discard flag (default true): whether
// the task should be silently cancelled, rather than left running, once
// its last reverse-dependency stops waiting on it without ever observing it.
func WithDiscard(d bool) TaskOption { return func(t *Task) { t.discard = d } }

// WithUseLease marks the task as requiring a lease before it may leave the
// pending state. Equivalent to calling SetUseLease(true) immediately after
// construction.
func WithUseLease() TaskOption { return func(t *Task) { t.useLease = true } }

// New creates a child of ctx's current task. The parent must be running.
func New(ctx context.Context, name string, opts ...TaskOption) (*Task, error) {
	parent, ok := CurrentTask(ctx)
	if !ok {
		return nil, ErrNoTaskLoop
	}
	t := newBareTask(parent.loop)
	t.parent = parent
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.setName(name)
	if err := parent.addChild(t); err != nil {
		return nil, err
	}
	go t.mainLoop(context.Background())
	return t, nil
}

func newBareTask(loop *Loop) *Task {
	t := &Task{
		loop:                 loop,
		state:                StatePreparing,
		discard:              true,
		children:             newOrderedSet[*Task](),
		dependencies:         newOrderedSet[*Task](),
		reverseDependencies:  newOrderedSet[*Task](),
		pendingDependencies:  map[*Task]func(){},
		pendingChildren:      map[*Task]func(){},
		errorHandlers:        map[*Task]ErrorHandler{},
		started:              newGate(),
		finished:             newGate(),
		backgroundFireForget: newOrderedSet[*backgroundHandle](),
		backgroundDrain:      newOrderedSet[*backgroundHandle](),
	}
	t.cleanup = newLifecycleCoordinator(
		t.runOnCleanupHook,
		t.runExtraCleanups,
		t.detachPendingChildren,
		t.detachAndDiscardDependencies,
		t.releaseLease,
		t.cancelBackgroundHandlers,
		t.closeEventCursors,
	)
	return t
}

func newRootTask(loop *Loop, body Body) *Task {
	t := newBareTask(loop)
	t.onRun = body
	t.name = "root"
	return t
}

// setName assigns t's name, disambiguating collisions among a parent's
// children by appending "#2", "#3", ... to the requested name.
func (t *Task) setName(name string) {
	if name == "" {
		name = "task"
	}
	if t.parent == nil {
		t.name = name
		return
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.childNames == nil {
		t.parent.childNames = make(map[string]bool)
	}
	if !t.parent.childNames[name] {
		t.name = name
		t.parent.childNames[name] = true
		return
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s#%d", name, i)
		if !t.parent.childNames[candidate] {
			t.name = candidate
			t.parent.childNames[candidate] = true
			return
		}
	}
}

// Name returns the task's disambiguated name.
func (t *Task) Name() string { return t.name }

// Parent returns the task's parent, or nil for the root task.
func (t *Task) Parent() *Task { return t.parent }

// Path returns the dotted path from the root's immediate children down to
// this task; a root-level task's path is its bare name.
func (t *Task) Path() string {
	if t.parent != nil && t.parent.parent != nil {
		return t.parent.Path() + "." + t.name
	}
	return t.name
}

func (t *Task) String() string { return t.Path() }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsFinished reports whether the task has reached a terminal state.
func (t *Task) IsFinished() bool { return t.State().IsTerminal() }

// IsAborted reports whether the task ended in cancelled, discarded or failed.
func (t *Task) IsAborted() bool {
	switch t.State() {
	case StateCancelled, StateDiscarded, StateFailed:
		return true
	default:
		return false
	}
}

// Discard reports the task's current discard flag.
func (t *Task) Discard() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discard
}

// SetDiscard updates the task's discard flag (see WithDiscard).
func (t *Task) SetDiscard(d bool) {
	t.mu.Lock()
	t.discard = d
	t.mu.Unlock()
}

// UseLease reports whether the task requires a lease to run.
func (t *Task) UseLease() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.useLease
}

// SetUseLease toggles whether the task requires a lease. Only legal while
// the task is still preparing, since pending is when the lease is acquired.
func (t *Task) SetUseLease(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.useLease == enabled {
		return nil
	}
	if t.state != StatePreparing {
		return ErrNotPreparing
	}
	t.useLease = enabled
	return nil
}

// CancelledBy returns the task that explicitly cancelled this one, if any.
func (t *Task) CancelledBy() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelledBy
}

// Children returns a snapshot of the task's children, in creation order.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.children.values()
}

// Dependencies returns a snapshot of the task's dependencies, in the order
// DependsOn was called.
func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dependencies.values()
}

// ReverseDependencies returns a snapshot of the tasks currently depending on
// this one.
func (t *Task) ReverseDependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reverseDependencies.values()
}

// Started returns an error (nil on success) once the task reaches running,
// or is aborted before doing so, or ctx is done first.
func (t *Task) Started(ctx context.Context) error {
	return translateWait(t, t.started.wait(ctx))
}

// Finished returns an error (nil on success) once the task reaches done, or
// is aborted, or ctx is done first.
func (t *Task) Finished(ctx context.Context) error {
	return translateWait(t, t.finished.wait(ctx))
}

// SetErrorHandler registers handler to observe failures/cancellations of
// target (a dependency or child of t), or of any dependency/child lacking a
// more specific handler if target is nil. Passing t itself as target
// installs a handler for t's own on-run error.
func (t *Task) SetErrorHandler(target *Task, handler ErrorHandler) {
	t.mu.Lock()
	t.errorHandlers[target] = handler
	t.mu.Unlock()
}

func isAttachable(s TaskState) bool {
	switch s {
	case StatePreparing, StatePending, StateRunning:
		return true
	default:
		return false
	}
}

// DependsOn declares that t may not leave pending until dep finishes. Legal
// only while t is preparing or pending.
func (t *Task) DependsOn(dep *Task) error {
	t.mu.Lock()
	if t.state != StatePreparing && t.state != StatePending {
		t.mu.Unlock()
		return ErrNotPreparingOrPending
	}
	t.dependencies.add(dep)
	t.mu.Unlock()

	if isAttachable(dep.State()) {
		detach := dep.finished.onResolve(func(error) { t.dependencyFinished(dep) })
		t.mu.Lock()
		t.pendingDependencies[dep] = detach
		t.mu.Unlock()

		dep.mu.Lock()
		dep.reverseDependencies.add(t)
		dep.mu.Unlock()
	}
	return nil
}

func (parent *Task) addChild(child *Task) error {
	parent.mu.Lock()
	if parent.state != StateRunning {
		parent.mu.Unlock()
		return ErrNotRunning
	}
	parent.children.add(child)
	parent.mu.Unlock()

	if isAttachable(child.State()) {
		detach := child.finished.onResolve(func(error) { parent.childFinished(child) })
		parent.mu.Lock()
		parent.pendingChildren[child] = detach
		parent.mu.Unlock()
	}
	return nil
}

func (t *Task) dependencyFinished(dep *Task) {
	t.mu.Lock()
	delete(t.pendingDependencies, dep)
	t.mu.Unlock()

	cause, _ := dep.finished.result()
	t.propagateFailure(dep, cause, &dependencyWrap)
	t.checkStart()
}

func (t *Task) childFinished(child *Task) {
	t.mu.Lock()
	delete(t.pendingChildren, child)
	t.mu.Unlock()

	cause, _ := child.finished.result()
	t.propagateFailure(child, cause, &childWrap)
	t.checkFinish()
}

// checkStart moves t from pending to running once every dependency has
// finished and, if t requires one, a lease is ready.
func (t *Task) checkStart() {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return
	}
	if len(t.pendingDependencies) > 0 {
		t.mu.Unlock()
		return
	}
	useLease := t.useLease
	held := t.currentLease
	loop := t.loop
	t.mu.Unlock()

	if useLease {
		if held == nil {
			start := time.Now()
			held = loop.leaseClient.RequestLease()
			t.mu.Lock()
			t.currentLease = held
			t.mu.Unlock()
			if loop.leaseGauge != nil {
				held.AddReadyCallback(func() { loop.leaseGauge.Add(1) })
			}
			if loop.leaseWaitHist != nil {
				held.AddReadyCallback(func() { loop.leaseWaitHist.Record(time.Since(start).Seconds()) })
			}
		}
		if !held.Ready() {
			held.AddReadyCallback(t.checkStart)
			return
		}
	}
	t.enterRunning()
}

// enterRunning transitions t from pending to running and only then resolves
// its started gate, so a goroutine woken by
// Started never observes State still reporting pending - the lease-ready
// callback that reaches this point may run on a goroutine other than t's
// own mainLoop.
func (t *Task) enterRunning() {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = StateRunning
	hasParent := t.parent != nil
	t.mu.Unlock()

	t.recordStateMetric()
	if hasParent {
		t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: old, State: StateRunning})
	}
	t.started.resolve(nil)
}

// checkFinish moves t from waiting to done once every child has finished
// and every draining background handler has returned.
func (t *Task) checkFinish() {
	t.mu.Lock()
	if t.state != StateWaiting {
		t.mu.Unlock()
		return
	}
	if len(t.pendingChildren) > 0 {
		t.mu.Unlock()
		return
	}
	if t.backgroundDrain.len() > 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.enterDone()
}

// enterDone transitions t from waiting to done, runs its cleanup sequence,
// and only then resolves its finished gate, so a
// goroutine woken by Finished never observes State still reporting waiting
// - the last child or background handler to drain may call checkFinish, via
// childFinished/background, from a goroutine other than t's own mainLoop.
func (t *Task) enterDone() {
	t.mu.Lock()
	if t.state != StateWaiting {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = StateDone
	hasParent := t.parent != nil
	t.mu.Unlock()

	t.recordStateMetric()
	if hasParent {
		t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: old, State: StateDone})
	}

	t.cleanup.Close()
	t.finished.resolve(nil)
}

// changeState transitions t to newState, recording metrics and - for every
// task but the root - emitting a TaskStateChange observable by ancestors.
// The root's own state changes are not observable this way since it has no
// ancestor to propagate to; only its very first transition into preparing,
// emitted directly from mainLoop, is ever visible.
func (t *Task) changeState(newState TaskState) {
	t.mu.Lock()
	old := t.state
	if old == newState || old.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.state = newState
	hasParent := t.parent != nil
	t.mu.Unlock()

	t.recordStateMetric()
	if hasParent {
		t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: old, State: newState})
	}
}

// tryEnterTerminal atomically moves t into newState unless it is already
// terminal, returning the prior state and whether the transition happened.
func (t *Task) tryEnterTerminal(newState TaskState) (old TaskState, hasParent, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		return "", false, false
	}
	old = t.state
	t.state = newState
	return old, t.parent != nil, true
}

func (t *Task) recordStateMetric() {
	if t.loop != nil && t.loop.stateCounter != nil {
		t.loop.stateCounter.Add(1)
	}
}

// releaseLease returns any lease t currently holds or is waiting on.
func (t *Task) releaseLease() {
	t.mu.Lock()
	l := t.currentLease
	t.currentLease = nil
	t.mu.Unlock()
	if l == nil {
		return
	}
	wasReady := l.Ready()
	l.Release()
	if wasReady && t.loop != nil && t.loop.leaseGauge != nil {
		t.loop.leaseGauge.Add(-1)
	}
}

// failWith transitions t to failed unless it is already terminal, resolving
// its signals and recursively cancelling its children.
func (t *Task) failWith(err error) {
	if err == nil {
		return
	}
	old, hasParent, ok := t.tryEnterTerminal(StateFailed)
	if !ok {
		return
	}
	t.releaseLease()
	if !t.started.isResolved() {
		t.started.resolve(err)
	}
	t.finished.resolve(err)
	_ = old

	t.recordStateMetric()
	if hasParent {
		t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: old, State: StateFailed})
	}

	for _, c := range t.children.values() {
		c.cancelInternal(true)
	}
}

// cancelInternal transitions t to cancelled or discarded unless it is
// already terminal, resolving its signals, recursively cancelling its
// children, and invoking its on-cancel hook.
func (t *Task) cancelInternal(discard bool) {
	newState := StateCancelled
	if discard {
		newState = StateDiscarded
	}
	old, hasParent, ok := t.tryEnterTerminal(newState)
	if !ok {
		return
	}

	t.mu.Lock()
	cancel := t.driverCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.releaseLease()

	if !t.started.isResolved() {
		t.started.resolve(errCancelled)
	}
	if !t.finished.isResolved() {
		t.finished.resolve(errCancelled)
	}

	t.recordStateMetric()
	if hasParent {
		t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: old, State: newState})
	}

	for _, c := range t.children.values() {
		c.cancelInternal(discard)
	}

	if t.onCancel != nil {
		t.onCancel(withCurrentTask(context.Background(), t))
	}
}

// Cancel cancels t. If called from within a running task, that task is
// recorded as the canceller, so a cancellation that bounces back via
// dependency/child propagation does not re-cancel the originator.
func (t *Task) Cancel(ctx context.Context) {
	if caller, ok := CurrentTask(ctx); ok {
		t.mu.Lock()
		t.cancelledBy = caller
		t.mu.Unlock()
	}
	t.cancelInternal(false)
}

// discardVia is how an observer silently cancels itself in reaction to an
// unhandled cancellation from a dependency/child (source), unless the
// observer itself is the one who explicitly cancelled source - in which
// case propagation back to the observer would be redundant.
func (observer *Task) discardVia(source *Task) {
	if source.CancelledBy() == observer {
		return
	}
	observer.cancelInternal(true)
}

func isCancellationAbort(err error) bool {
	switch err.(type) {
	case *TaskCancelled, *DependencyCancelled, *ChildCancelled:
		return true
	}
	return errors.Is(err, errCancelled)
}

type abortWrap struct {
	failed    func(*Task, error) error
	cancelled func(*Task) error
}

var dependencyWrap = abortWrap{
	failed:    func(t *Task, cause error) error { return NewDependencyFailed(t, cause) },
	cancelled: func(t *Task) error { return NewDependencyCancelled(t) },
}

var childWrap = abortWrap{
	failed:    func(t *Task, cause error) error { return NewChildFailed(t, cause) },
	cancelled: func(t *Task) error { return NewChildCancelled(t) },
}

// propagateFailure is invoked on an observer task (t) when a dependency or
// child (source), or t itself, has finished with cause != nil. It first
// looks for an error handler registered against source (or, failing that, a
// wildcard handler), running it in the background if found. Lacking a
// handler, an unhandled cancellation schedules a deferred discard of the
// observer rather than failing it outright, while an unhandled failure
// fails the observer immediately.
func (t *Task) propagateFailure(source *Task, cause error, wrap *abortWrap) {
	if cause == nil {
		return
	}
	var exc error
	if wrap != nil {
		if errors.Is(cause, errCancelled) {
			exc = wrap.cancelled(source)
		} else {
			exc = wrap.failed(source, cause)
		}
	} else {
		exc = cause
	}

	t.mu.Lock()
	handler, ok := t.errorHandlers[source]
	if !ok {
		handler, ok = t.errorHandlers[nil]
	}
	t.mu.Unlock()

	if ok {
		t.background(func(ctx context.Context) error { return handler(ctx, exc) }, true, true)
		return
	}

	if isCancellationAbort(exc) {
		go t.discardVia(source)
		return
	}

	t.failWith(exc)
}

// mainLoop drives t through its lifecycle. It is started in its own
// goroutine by New/newRootTask's caller and runs until t reaches a terminal
// state.
func (t *Task) mainLoop(parentCtx context.Context) {
	driverCtx, cancel := context.WithCancel(parentCtx)
	t.mu.Lock()
	t.driverCancel = cancel
	t.mu.Unlock()

	ctx := withCurrentTask(driverCtx, t)

	defer t.cleanup.Close()
	defer func() {
		if r := recover(); r != nil {
			t.failWith(fmt.Errorf("%s: task panicked: %v", Namespace, r))
		}
	}()

	t.mu.Lock()
	initial := t.state
	t.mu.Unlock()
	t.emitEvent(&TaskStateChange{DebugEventBase: DebugEventBase{EventBase{source: t}}, Previous: "", State: initial})

	if err := runHook(ctx, t.onPrepare); err != nil {
		t.propagateFailure(t, err, nil)
		return
	}
	if t.IsFinished() {
		return
	}

	t.changeState(StatePending)
	t.checkStart()
	if err := t.started.wait(driverCtx); err != nil {
		return
	}
	if t.IsFinished() {
		return
	}

	// checkStart already moved t to StateRunning (via enterRunning) by the
	// time started resolved successfully.
	runErr := runHook(ctx, t.onRun)
	t.releaseLease()
	if runErr != nil {
		t.propagateFailure(t, runErr, nil)
		return
	}
	if t.IsFinished() {
		return
	}

	t.changeState(StateWaiting)
	t.checkFinish()
	// checkFinish already moved t to StateDone (via enterDone) once finished
	// resolves successfully; a cancel/fail path resolves it elsewhere and
	// sets its own terminal state, so there's nothing left to do here.
	t.finished.wait(driverCtx)
}

func runHook(ctx context.Context, fn Body) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: task hook panicked: %v", Namespace, r)
		}
	}()
	return fn(ctx)
}

// The following are t.cleanup's steps, run in order exactly once by its
// lifecycleCoordinator: the on-cleanup hook and any registered cleanup funcs
// (used by ctxvar to purge per-task overrides) run first, then this task's
// pending-dependency/pending-child callbacks are detached, dependencies that
// lost their last reverse-dependency and want to be are discarded, any held
// lease is released, outstanding background handlers are cancelled, and
// finally the task's event cursors are closed.

func (t *Task) runOnCleanupHook() {
	if t.onCleanup != nil {
		t.onCleanup()
	}
}

func (t *Task) runExtraCleanups() {
	t.mu.Lock()
	fns := t.cleanupFuncs
	t.cleanupFuncs = nil
	t.cleanupSealed = true
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Task) detachPendingChildren() {
	t.mu.Lock()
	pending := t.pendingChildren
	t.pendingChildren = nil
	t.mu.Unlock()
	for _, detach := range pending {
		detach()
	}
}

func (t *Task) detachAndDiscardDependencies() {
	t.mu.Lock()
	pending := t.pendingDependencies
	t.pendingDependencies = nil
	t.mu.Unlock()

	for dep, detach := range pending {
		detach()
		dep.mu.Lock()
		dep.reverseDependencies.remove(t)
		shouldDiscard := dep.reverseDependencies.len() == 0 && dep.discard
		dep.mu.Unlock()
		if shouldDiscard {
			go dep.cancelInternal(true)
		}
	}
}

func (t *Task) cancelBackgroundHandlers() {
	t.mu.Lock()
	fireForget := t.backgroundFireForget.values()
	drain := t.backgroundDrain.values()
	t.mu.Unlock()
	for _, h := range fireForget {
		h.cancel()
	}
	for _, h := range drain {
		h.cancel()
	}
}

// onCleanupHook registers fn to run once, during t's cleanup. If the
// cleanup sequence has already passed the point of running registered
// cleanup funcs, fn runs immediately instead.
func (t *Task) onCleanupHook(fn func()) {
	t.mu.Lock()
	if t.cleanupSealed {
		t.mu.Unlock()
		fn()
		return
	}
	t.cleanupFuncs = append(t.cleanupFuncs, fn)
	t.mu.Unlock()
}
