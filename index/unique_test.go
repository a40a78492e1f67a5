package index_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/kv"
	"github.com/delano/familia-sub006/model"
)

func TestUniqueScopedConflict(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	alice := f.employee(acme, "alice", map[string]string{"email": "alice@x.com"})
	bob := f.employee(acme, "bob", map[string]string{"email": "alice@x.com"})
	u := f.unique(f.email)

	require.NoError(t, u.Add(f.ctx, acme, alice))
	err := u.Add(f.ctx, acme, bob)
	require.ErrorIs(t, err, index.ErrConflict)
	var conflict *index.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "employee", conflict.Class)
	require.Equal(t, "company:acme", conflict.Scope)
	require.Equal(t, "alice@x.com", conflict.Value)
	require.Equal(t, "alice", conflict.Existing)

	id, ok, err := u.Lookup(f.ctx, acme, "alice@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", id)

	// Another scope is a separate namespace.
	globex := f.company("globex")
	require.NoError(t, u.Add(f.ctx, globex, bob))
}

func TestUniqueAddIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "al"})

	require.NoError(t, u.Add(f.ctx, nil, alice))
	require.NoError(t, u.Add(f.ctx, nil, alice))
	entries, err := u.Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"al": "alice"}, entries)
}

func TestUniqueEmptyValuesAreNoOps(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	blank := f.employee(nil, "blank", map[string]string{"handle": ""})
	unset := f.employee(nil, "unset", nil)

	for _, obj := range []*model.Object{blank, unset} {
		require.NoError(t, u.Guard(f.ctx, nil, obj))
		require.NoError(t, u.Add(f.ctx, nil, obj))
		require.NoError(t, u.Remove(f.ctx, nil, obj))
	}
	ok, err := f.store.Exists(f.ctx, "employee:idx:handle_index")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUniqueRemoveIgnoresMappedIdentifier(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "al"})
	impostor := model.New("employee", "mallory", map[string]string{"handle": "al"})

	require.NoError(t, u.Add(f.ctx, nil, alice))
	require.NoError(t, u.Remove(f.ctx, nil, impostor))
	_, ok, err := u.Lookup(f.ctx, nil, "al")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUniqueUpdateMovesMapping(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "old"})
	require.NoError(t, u.Add(f.ctx, nil, alice))

	old := alice.Set("handle", "new")
	require.NoError(t, u.Update(f.ctx, nil, alice, old))

	_, ok, err := u.Lookup(f.ctx, nil, "old")
	require.NoError(t, err)
	require.False(t, ok)
	id, ok, err := u.Lookup(f.ctx, nil, "new")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", id)

	// Clearing the field only removes.
	old = alice.Set("handle", "")
	require.NoError(t, u.Update(f.ctx, nil, alice, old))
	entries, err := u.Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUniqueUpdateGuardsNewValue(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "al"})
	bob := f.employee(nil, "bob", map[string]string{"handle": "bo"})
	require.NoError(t, u.Add(f.ctx, nil, alice))
	require.NoError(t, u.Add(f.ctx, nil, bob))

	old := bob.Set("handle", "al")
	require.ErrorIs(t, u.Update(f.ctx, nil, bob, old), index.ErrConflict)
	id, _, err := u.Lookup(f.ctx, nil, "bo")
	require.NoError(t, err)
	require.Equal(t, "bob", id, "failed update must leave the old mapping")
}

func TestUniqueGuardSkippedInsideUnit(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "al"})
	bob := f.employee(nil, "bob", map[string]string{"handle": "al"})
	require.NoError(t, u.Add(f.ctx, nil, alice))

	err := kv.Atomically(f.ctx, f.store, func(ctx context.Context) error {
		require.True(t, kv.InUnit(ctx))
		return u.Add(ctx, nil, bob)
	})
	require.NoError(t, err)
	id, _, err := u.Lookup(f.ctx, nil, "al")
	require.NoError(t, err)
	require.Equal(t, "bob", id)
}

func TestUniqueLookupMany(t *testing.T) {
	f := newFixture(t)
	u := f.unique(f.handle)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, u.Add(f.ctx, nil, f.employee(nil, id, map[string]string{"handle": "h-" + id})))
	}
	got, err := u.LookupMany(f.ctx, nil, []string{"h-b", "missing", "h-a"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "", "a"}, got)
}

func TestUniqueLookupManyEmptyInputSkipsStore(t *testing.T) {
	f := newFixture(t)
	eng, err := index.New(index.Config{Store: noIO{}, Host: f.repo, Registry: f.eng.Registry()})
	require.NoError(t, err)
	u, err := eng.UniqueFor(f.handle)
	require.NoError(t, err)

	got, err := u.LookupMany(f.ctx, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestUniqueScopeMismatch(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	alice := f.employee(acme, "alice", map[string]string{"email": "a@x", "handle": "a"})

	require.ErrorIs(t, f.unique(f.email).Add(f.ctx, nil, alice), index.ErrConfiguration)
	require.ErrorIs(t, f.unique(f.handle).Add(f.ctx, acme, alice), index.ErrConfiguration)
}

func TestFencedWritersFailFast(t *testing.T) {
	f := newFixture(t, func(cfg *index.Config) { cfg.FenceWriters = true })
	u := f.unique(f.handle)
	alice := f.employee(nil, "alice", map[string]string{"handle": "al"})

	ok, err := f.store.SetNX(f.ctx, "employee:idx:handle_index:fence", "someone", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, u.Add(f.ctx, nil, alice), index.ErrFenced)

	_, err = f.store.Del(f.ctx, "employee:idx:handle_index:fence")
	require.NoError(t, err)
	require.NoError(t, u.Add(f.ctx, nil, alice))
}

func TestEngineResolvesRegisteredNames(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Unique("employee", "email_index")
	require.NoError(t, err)
	_, err = f.eng.Unique("employee", "dept_index")
	require.ErrorIs(t, err, index.ErrConfiguration)
	_, err = f.eng.Multi("employee", "nope")
	require.ErrorIs(t, err, index.ErrUnknownIndex)
}
