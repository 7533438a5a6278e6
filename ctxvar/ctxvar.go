// Package ctxvar implements hierarchical, per-task context variables: a
// variable has a default value and, per task, an optional override. Reads
// walk from a starting identity up through ancestors, returning the first
// override found, else the default.
//
// The package is generic over the identity type K so that it does not need
// to import the task package; the task package wires Group's callbacks to
// its own Task type and context key.
package ctxvar

import (
	"context"
	"errors"
	"sync"
)

// ErrNotSet is returned by Var.Get when no override exists for the lookup
// chain and no default was configured.
var ErrNotSet = errors.New("ctxvar: variable not set")

// Group binds a family of Vars to a specific identity type: how to find an
// identity's parent, how to read the "current" identity out of a
// context.Context, and how to build a context.Context carrying a specific
// identity as current (used by View). registerCleanup lets a Var arrange to
// purge its override for an identity once that identity is torn down,
// instead of holding it forever.
type Group[K comparable] struct {
	parentOf        func(K) (K, bool)
	currentOf       func(context.Context) (K, bool)
	withCurrent     func(context.Context, K) context.Context
	registerCleanup func(K, func())
}

// NewGroup constructs a Group. All four callbacks are required.
func NewGroup[K comparable](
	parentOf func(K) (K, bool),
	currentOf func(context.Context) (K, bool),
	withCurrent func(context.Context, K) context.Context,
	registerCleanup func(K, func()),
) *Group[K] {
	return &Group[K]{
		parentOf:        parentOf,
		currentOf:       currentOf,
		withCurrent:     withCurrent,
		registerCleanup: registerCleanup,
	}
}

// Var is a single hierarchical context variable of value type T.
type Var[K comparable, T any] struct {
	group *Group[K]

	mu         sync.Mutex
	overrides  map[K]T
	hasDefault bool
	def        T
}

// NewVar declares a variable with no default; reads miss with ErrNotSet
// unless an override exists somewhere up the chain.
func NewVar[K comparable, T any](g *Group[K]) *Var[K, T] {
	return &Var[K, T]{group: g}
}

// NewVarWithDefault declares a variable with a default value.
func NewVarWithDefault[K comparable, T any](g *Group[K], def T) *Var[K, T] {
	return &Var[K, T]{group: g, def: def, hasDefault: true}
}

// Get resolves the variable starting from ctx's current identity, walking up
// through ancestors until an override is found, falling back to the default.
func (v *Var[K, T]) Get(ctx context.Context) (T, error) {
	cur, ok := v.group.currentOf(ctx)
	for ok {
		if val, present := v.lookup(cur); present {
			return val, nil
		}
		cur, ok = v.group.parentOf(cur)
	}
	if v.hasDefault {
		return v.def, nil
	}
	var zero T
	return zero, ErrNotSet
}

func (v *Var[K, T]) lookup(k K) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.overrides[k]
	return val, ok
}

// Set assigns the variable. With no current identity in ctx, this sets the
// default; otherwise it sets an override scoped to the current identity.
func (v *Var[K, T]) Set(ctx context.Context, val T) {
	cur, ok := v.group.currentOf(ctx)
	if !ok {
		v.mu.Lock()
		v.def = val
		v.hasDefault = true
		v.mu.Unlock()
		return
	}

	v.mu.Lock()
	if v.overrides == nil {
		v.overrides = make(map[K]T)
	}
	_, existed := v.overrides[cur]
	v.overrides[cur] = val
	v.mu.Unlock()

	if !existed {
		v.group.registerCleanup(cur, func() { v.purge(cur) })
	}
}

func (v *Var[K, T]) purge(k K) {
	v.mu.Lock()
	delete(v.overrides, k)
	v.mu.Unlock()
}

// Delete removes the variable's binding for the current identity in ctx (or
// the default, with no current identity). Returns ErrNotSet if nothing was
// bound.
func (v *Var[K, T]) Delete(ctx context.Context) error {
	cur, ok := v.group.currentOf(ctx)
	if !ok {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.hasDefault {
			return ErrNotSet
		}
		v.hasDefault = false
		var zero T
		v.def = zero
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, present := v.overrides[cur]; !present {
		return ErrNotSet
	}
	delete(v.overrides, cur)
	return nil
}

// View returns an inline view of v bound to a specific identity: reads,
// writes and deletes on the view behave as though that identity were
// current, regardless of what ctx is actually passed in.
func (v *Var[K, T]) View(identity K) *InlineView[K, T] {
	return &InlineView[K, T]{v: v, identity: identity}
}

// InlineView lets code treat any identity as if it were current for the
// purpose of one specific Var, without needing to construct a real
// context carrying that identity.
type InlineView[K comparable, T any] struct {
	v        *Var[K, T]
	identity K
}

func (iv *InlineView[K, T]) Get(ctx context.Context) (T, error) {
	return iv.v.Get(iv.v.group.withCurrent(ctx, iv.identity))
}

func (iv *InlineView[K, T]) Set(ctx context.Context, val T) {
	iv.v.Set(iv.v.group.withCurrent(ctx, iv.identity), val)
}

func (iv *InlineView[K, T]) Delete(ctx context.Context) error {
	return iv.v.Delete(iv.v.group.withCurrent(ctx, iv.identity))
}
