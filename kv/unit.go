package kv

import (
	"context"
	"sync"
)

type unitKey struct{}

// Unit collects ops issued while a caller holds an open atomic unit. Ops are
// applied by Atomically once the enclosing function returns.
type Unit struct {
	mu  sync.Mutex
	ops []Op
}

// Add queues ops on the unit.
func (u *Unit) Add(ops ...Op) {
	u.mu.Lock()
	u.ops = append(u.ops, ops...)
	u.mu.Unlock()
}

// Ops returns a copy of the queued ops.
func (u *Unit) Ops() []Op {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Op(nil), u.ops...)
}

// WithUnit marks ctx as running inside u.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// UnitFrom returns the enclosing unit carried by ctx, if any.
func UnitFrom(ctx context.Context) (*Unit, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx.Value(unitKey{}).(*Unit)
	return u, ok && u != nil
}

// InUnit reports whether ctx belongs to an open atomic unit. Reads issued
// inside a unit cannot observe the unit's own pending writes.
func InUnit(ctx context.Context) bool {
	_, ok := UnitFrom(ctx)
	return ok
}

// Exec applies ops as one unit, or queues them on the enclosing unit when ctx
// already carries one.
func Exec(ctx context.Context, store Store, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	if u, ok := UnitFrom(ctx); ok {
		u.Add(ops...)
		return nil
	}
	return store.RunAsUnit(ctx, ops)
}

// Atomically runs fn with a context carrying a fresh unit and commits the
// collected ops in one RunAsUnit call. Nested calls join the outer unit. When
// fn fails nothing is written.
func Atomically(ctx context.Context, store Store, fn func(ctx context.Context) error) error {
	if _, ok := UnitFrom(ctx); ok {
		return fn(ctx)
	}
	u := &Unit{}
	if err := fn(WithUnit(ctx, u)); err != nil {
		return err
	}
	ops := u.Ops()
	if len(ops) == 0 {
		return nil
	}
	return store.RunAsUnit(ctx, ops)
}
