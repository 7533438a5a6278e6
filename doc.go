// Package taskloop implements a structured-concurrency task engine: a tree of
// tasks with explicit parent/child relationships, declared inter-task
// dependencies, lease-gated admission to bounded external resources,
// hierarchical event propagation, and a hierarchical context-variable store.
//
// Lifecycle
//
// Every task other than the root is created as a child of the current task, a
// value threaded through context.Context. Each task drives itself through the
// state machine:
//
//	preparing -> pending -> running -> waiting -> done
//
// and may instead end in cancelled, discarded or failed at any point before
// its terminal state. Completion of a task notifies its parent and any task
// that declared a dependency on it, which is how cancellation and failure
// cascade through the tree.
//
// Entry point
//
// Run installs a process-wide loop, builds the root task bound to the given
// body, and blocks until the root finishes. Only one loop may be installed at
// a time.
//
// Leases
//
// A task with UseLease enabled must acquire a lease from the configured
// lease.Client before it may transition from pending to running. The default
// client is backed by the pool package, the same bounded/unbounded
// object-pool abstraction used elsewhere in this module for admission
// control.
package taskloop
