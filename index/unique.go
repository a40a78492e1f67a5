package index

import (
	"context"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/kv"
)

// UniqueIndex is the runtime surface over one field-value to identifier hash.
type UniqueIndex struct {
	eng    *Engine
	rel    Relationship
	logger pslog.Logger
}

// Relationship returns the index declaration.
func (u *UniqueIndex) Relationship() Relationship {
	return u.rel
}

// LiveKey returns the hash key backing the index under scope.
func (u *UniqueIndex) LiveKey(scope Object) (string, error) {
	k, err := u.eng.resolveKeys(u.rel, scope)
	return k.live, err
}

func (u *UniqueIndex) value(obj Object) (string, bool) {
	if obj == nil {
		return "", false
	}
	v, ok := obj.FieldValue(u.rel.Field)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Lookup returns the identifier mapped to value.
func (u *UniqueIndex) Lookup(ctx context.Context, scope Object, value string) (string, bool, error) {
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return "", false, err
	}
	return u.eng.store.HGet(ctx, k.live, value)
}

// LookupMany returns one slot per value in input order; "" marks an absent
// mapping. Empty input returns an empty slice without touching the store.
func (u *UniqueIndex) LookupMany(ctx context.Context, scope Object, values []string) ([]string, error) {
	if len(values) == 0 {
		return []string{}, nil
	}
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return nil, err
	}
	return u.eng.store.HMGet(ctx, k.live, values)
}

// Guard fails with a ConflictError when obj's value already maps to another
// identifier. It is a no-op for empty values, and inside an open atomic unit
// where a read cannot observe the unit's own pending writes.
func (u *UniqueIndex) Guard(ctx context.Context, scope Object, obj Object) error {
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return err
	}
	return u.guard(ctx, k, obj)
}

func (u *UniqueIndex) guard(ctx context.Context, k keys, obj Object) error {
	value, ok := u.value(obj)
	if !ok || kv.InUnit(ctx) {
		return nil
	}
	existing, found, err := u.eng.store.HGet(ctx, k.live, value)
	if err != nil {
		return err
	}
	if !found || existing == obj.Identifier() {
		return nil
	}
	u.eng.metrics.recordConflict(ctx, u.rel)
	u.logger.Debug("index.unique.conflict", "value", value, "existing", existing, "identifier", obj.Identifier())
	return &ConflictError{
		Class:      u.rel.IndexedClass,
		Index:      u.rel.Name,
		Scope:      k.scope,
		Field:      u.rel.Field,
		Value:      value,
		Existing:   existing,
		Identifier: obj.Identifier(),
	}
}

// Add maps obj's value to its identifier after guarding uniqueness.
func (u *UniqueIndex) Add(ctx context.Context, scope Object, obj Object) error {
	value, ok := u.value(obj)
	if !ok {
		return nil
	}
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return err
	}
	if err := u.eng.checkFence(ctx, k); err != nil {
		return err
	}
	if err := u.guard(ctx, k, obj); err != nil {
		return err
	}
	return kv.Exec(ctx, u.eng.store, u.addOps(k, value, obj.Identifier())...)
}

// Remove deletes the entry for obj's value whatever identifier it holds.
func (u *UniqueIndex) Remove(ctx context.Context, scope Object, obj Object) error {
	value, ok := u.value(obj)
	if !ok {
		return nil
	}
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return err
	}
	if err := u.eng.checkFence(ctx, k); err != nil {
		return err
	}
	return kv.Exec(ctx, u.eng.store, kv.HDel(k.live, value))
}

// Update moves obj from oldValue to its current value in one atomic unit.
// An empty oldValue only adds. The new value is guarded before the unit
// opens; inside the unit the guard cannot see pending writes.
func (u *UniqueIndex) Update(ctx context.Context, scope Object, obj Object, oldValue string) error {
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return err
	}
	if err := u.eng.checkFence(ctx, k); err != nil {
		return err
	}
	if err := u.guard(ctx, k, obj); err != nil {
		return err
	}
	return kv.Atomically(ctx, u.eng.store, func(ctx context.Context) error {
		var ops []kv.Op
		if oldValue != "" {
			ops = append(ops, kv.HDel(k.live, oldValue))
		}
		if value, ok := u.value(obj); ok {
			ops = append(ops, u.addOps(k, value, obj.Identifier())...)
		}
		return kv.Exec(ctx, u.eng.store, ops...)
	})
}

func (u *UniqueIndex) addOps(k keys, value, id string) []kv.Op {
	return []kv.Op{kv.HSet(k.live, value, id)}
}

// Entries returns the whole mapping under scope.
func (u *UniqueIndex) Entries(ctx context.Context, scope Object) (map[string]string, error) {
	k, err := u.eng.resolveKeys(u.rel, scope)
	if err != nil {
		return nil, err
	}
	return u.eng.store.HGetAll(ctx, k.live)
}
