package taskloop

import (
	"context"
	"reflect"
)

// Event is implemented by every value that can travel through a task's event
// stream. Source reports the task the event originated at; events propagate
// from their source up through every ancestor, so a subscriber on an
// ancestor task observes events sourced at any of its descendants too.
type Event interface {
	Source() *Task
	setSource(*Task)
}

// EventBase is embedded by concrete event types to implement Event.
type EventBase struct {
	source *Task
}

func (b *EventBase) Source() *Task    { return b.source }
func (b *EventBase) setSource(t *Task) { b.source = t }

// NewEventBase builds an EventBase sourced at ctx's current task. Panics if
// ctx has no current task, matching the requirement that events can only be
// constructed from within a running task.
func NewEventBase(ctx context.Context) EventBase {
	return EventBase{source: MustCurrentTask(ctx)}
}

// DebugEvent marks events that are internal bookkeeping signals (state
// changes) rather than domain events a task body defines.
type DebugEvent interface {
	Event
	isDebugEvent()
}

// DebugEventBase is embedded by concrete debug event types.
type DebugEventBase struct{ EventBase }

func (DebugEventBase) isDebugEvent() {}

// TaskStateChange is emitted every time a non-root task's state changes,
// including its very first transition into preparing. The root task emits
// only that first event; its later transitions emit no TaskStateChange.
type TaskStateChange struct {
	DebugEventBase
	Previous TaskState
	State    TaskState
}

// Emit delivers e to its source task's subscribers and every ancestor's.
func Emit(e Event) {
	src := e.Source()
	if src == nil {
		return
	}
	src.emitEvent(e)
}

// eventCursor is a one-shot-future linked list: each node, once filled in by
// emitEvent, carries the event that arrived and a fresh cursor for the next
// one. A subscriber holds its current position in this list and advances
// through it one event at a time.
type eventCursor chan eventNode

type eventNode struct {
	event Event
	next  eventCursor
}

// eventCursorMap is the per-task registry of active cursors, keyed by the
// type each was Subscribe'd with.
type eventCursorMap map[reflect.Type]eventCursor

// cursorFor returns (creating if necessary) the cursor tracking events whose
// dynamic type is assignable to rt for this task.
func (t *Task) cursorFor(rt reflect.Type) eventCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eventCursors == nil {
		t.eventCursors = make(map[reflect.Type]eventCursor)
	}
	c, ok := t.eventCursors[rt]
	if !ok {
		c = make(eventCursor, 1)
		t.eventCursors[rt] = c
	}
	return c
}

// emitEvent delivers e to every cursor registered on t and, in turn, on each
// of t's ancestors, whose registered type is assignable from e's dynamic
// type - the Go analogue of matching against a Python exception/event class
// hierarchy.
func (t *Task) emitEvent(e Event) {
	et := reflect.TypeOf(e)
	for cur := t; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		for rt, ch := range cur.eventCursors {
			if et.AssignableTo(rt) {
				next := make(eventCursor, 1)
				ch <- eventNode{event: e, next: next}
				cur.eventCursors[rt] = next
			}
		}
		cur.mu.Unlock()
	}
}

// closeEventCursors ends every cursor registered on t, waking any subscriber
// blocked in Stream.Next with ok == false. Called once, from cleanup.
func (t *Task) closeEventCursors() {
	t.mu.Lock()
	cursors := t.eventCursors
	t.eventCursors = nil
	t.mu.Unlock()
	for _, c := range cursors {
		close(c)
	}
}

// Stream is an iterator over a task's events of a particular registered
// type, optionally further narrowed by filter.
type Stream struct {
	cursor eventCursor
	filter func(Event) bool
}

// Subscribe opens a Stream on t for events whose dynamic type is assignable
// to rt (pass reflect.TypeOf((*Event)(nil)).Elem() for every event, or an
// interface/concrete type to narrow it), further filtered by filter if it is
// non-nil.
func Subscribe(t *Task, rt reflect.Type, filter func(Event) bool) *Stream {
	return &Stream{cursor: t.cursorFor(rt), filter: filter}
}

// Next blocks until the next matching event arrives, ctx is done, or the
// stream has ended (the source task finished cleanup); ok is false in the
// latter two cases.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		select {
		case node, open := <-s.cursor:
			if !open {
				return nil, false
			}
			s.cursor = node.next
			if s.filter == nil || s.filter(node.event) {
				return node.event, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}
