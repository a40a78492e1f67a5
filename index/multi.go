package index

import (
	"context"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/kv"
)

// MultiIndex is the runtime surface over a family of per-value identifier
// sets.
type MultiIndex struct {
	eng    *Engine
	rel    Relationship
	logger pslog.Logger
}

// Relationship returns the index declaration.
func (m *MultiIndex) Relationship() Relationship {
	return m.rel
}

// ValueKey returns the set key holding identifiers with value under scope.
func (m *MultiIndex) ValueKey(scope Object, value string) (string, error) {
	k, err := m.eng.resolveKeys(m.rel, scope)
	return k.valueKey(value), err
}

func (m *MultiIndex) value(obj Object) (string, bool) {
	if obj == nil {
		return "", false
	}
	v, ok := obj.FieldValue(m.rel.Field)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Sample draws up to count random objects holding value.
func (m *MultiIndex) Sample(ctx context.Context, scope Object, value string, count int) ([]Object, error) {
	if count <= 0 {
		count = 1
	}
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return nil, err
	}
	ids, err := m.eng.store.SRandMember(ctx, k.valueKey(value), count)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return m.eng.host.LoadMany(ctx, m.rel.IndexedClass, ids)
}

// FindAll loads every object holding value.
func (m *MultiIndex) FindAll(ctx context.Context, scope Object, value string) ([]Object, error) {
	ids, err := m.Members(ctx, scope, value)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return m.eng.host.LoadMany(ctx, m.rel.IndexedClass, ids)
}

// Members returns the raw identifiers recorded for value.
func (m *MultiIndex) Members(ctx context.Context, scope Object, value string) ([]string, error) {
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return nil, err
	}
	return m.eng.store.SMembers(ctx, k.valueKey(value))
}

// Add records obj under its current value.
func (m *MultiIndex) Add(ctx context.Context, scope Object, obj Object) error {
	value, ok := m.value(obj)
	if !ok {
		return nil
	}
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return err
	}
	if err := m.eng.checkFence(ctx, k); err != nil {
		return err
	}
	return kv.Exec(ctx, m.eng.store, m.addOps(k, value, obj.Identifier())...)
}

// Remove drops obj from the set of its current value.
func (m *MultiIndex) Remove(ctx context.Context, scope Object, obj Object) error {
	value, ok := m.value(obj)
	if !ok {
		return nil
	}
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return err
	}
	if err := m.eng.checkFence(ctx, k); err != nil {
		return err
	}
	return kv.Exec(ctx, m.eng.store, kv.SRem(k.valueKey(value), obj.Identifier()))
}

// Update moves obj from the oldValue set to its current value set in one
// atomic unit.
func (m *MultiIndex) Update(ctx context.Context, scope Object, obj Object, oldValue string) error {
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return err
	}
	if err := m.eng.checkFence(ctx, k); err != nil {
		return err
	}
	return kv.Atomically(ctx, m.eng.store, func(ctx context.Context) error {
		var ops []kv.Op
		if oldValue != "" {
			ops = append(ops, kv.SRem(k.valueKey(oldValue), obj.Identifier()))
		}
		if value, ok := m.value(obj); ok {
			ops = append(ops, m.addOps(k, value, obj.Identifier())...)
		}
		return kv.Exec(ctx, m.eng.store, ops...)
	})
}

// addOps is shared by runtime Add and the multi rebuild.
func (m *MultiIndex) addOps(k keys, value, id string) []kv.Op {
	return []kv.Op{kv.SAdd(k.valueKey(value), id)}
}

// Values returns every indexed value under scope with its set size.
func (m *MultiIndex) Values(ctx context.Context, scope Object) (map[string]int64, error) {
	k, err := m.eng.resolveKeys(m.rel, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	err = kv.ScanAll(ctx, m.eng.store, k.valuePattern(), m.eng.cfg.BatchSize, func(page []string) error {
		for _, key := range page {
			value, ok := k.valueFromKey(key)
			if !ok {
				continue
			}
			n, err := m.eng.store.SCard(ctx, key)
			if err != nil {
				return err
			}
			out[value] = n
		}
		return nil
	})
	return out, err
}
