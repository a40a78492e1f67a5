package index_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/model"
)

func TestMultiScenarioDepartments(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	m := f.multi(f.dept)
	for id, dept := range map[string]string{"ann": "eng", "ben": "eng", "cat": "sales"} {
		require.NoError(t, m.Add(f.ctx, acme, f.employee(acme, id, map[string]string{"dept": dept})))
	}

	eng, err := m.FindAll(f.ctx, acme, "eng")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ann", "ben"}, ids(eng))
	sales, err := m.FindAll(f.ctx, acme, "sales")
	require.NoError(t, err)
	require.Len(t, sales, 1)

	values, err := m.Values(f.ctx, acme)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"eng": 2, "sales": 1}, values)
}

func TestMultiMembershipFollowsMutations(t *testing.T) {
	f := newFixture(t)
	m := f.multi(f.role)
	ann := f.employee(nil, "ann", map[string]string{"role": "dev"})
	ben := f.employee(nil, "ben", map[string]string{"role": "dev"})
	cat := f.employee(nil, "cat", map[string]string{"role": "ops"})
	require.NoError(t, m.Add(f.ctx, nil, cat))
	require.NoError(t, m.Add(f.ctx, nil, ben))
	require.NoError(t, m.Add(f.ctx, nil, ann))
	require.NoError(t, m.Remove(f.ctx, nil, ben))

	old := ann.Set("role", "ops")
	require.NoError(t, m.Update(f.ctx, nil, ann, old))

	dev, err := m.Members(f.ctx, nil, "dev")
	require.NoError(t, err)
	require.Empty(t, dev)
	ops, err := m.Members(f.ctx, nil, "ops")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ann", "cat"}, ops)
}

func TestMultiSample(t *testing.T) {
	f := newFixture(t)
	m := f.multi(f.role)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(f.ctx, nil, f.employee(nil, id, map[string]string{"role": "dev"})))
	}

	one, err := m.Sample(f.ctx, nil, "dev", 0)
	require.NoError(t, err)
	require.Len(t, one, 1)
	two, err := m.Sample(f.ctx, nil, "dev", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	require.NotEqual(t, two[0].Identifier(), two[1].Identifier())
	none, err := m.Sample(f.ctx, nil, "absent", 3)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMultiSampleDropsTombstones(t *testing.T) {
	f := newFixture(t)
	m := f.multi(f.role)
	ghost := f.employee(nil, "ghost", map[string]string{"role": "dev"})
	require.NoError(t, m.Add(f.ctx, nil, ghost))
	require.NoError(t, f.repo.Delete(f.ctx, ghost))

	got, err := m.FindAll(f.ctx, nil, "dev")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMultiValueObjectIsListedAndCleared(t *testing.T) {
	f := newFixture(t)
	m := f.multi(f.role)
	ann := f.employee(nil, "ann", map[string]string{"role": "object"})
	require.NoError(t, m.Add(f.ctx, nil, ann))
	require.NoError(t, m.Add(f.ctx, nil, f.employee(nil, "bob", map[string]string{"role": "dev"})))

	values, err := m.Values(f.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"object": 1, "dev": 1}, values)

	// ann changes role without the index hearing about it.
	ann.Set("role", "ops")
	require.NoError(t, f.repo.Save(f.ctx, ann))
	_, err = f.eng.Rebuilder().Rebuild(f.ctx, f.role, nil, index.RebuildOptions{})
	require.NoError(t, err)

	values, err = m.Values(f.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"ops": 1, "dev": 1}, values)
}

func TestIndexKeysStayClearOfHostCollections(t *testing.T) {
	var tier, employees index.Relationship
	f := newFixture(t, func(cfg *index.Config) {
		var err error
		tier, err = cfg.Registry.Multi("company", "tier_index", "tier", "")
		require.NoError(t, err)
		employees, err = cfg.Registry.Unique("employee", "employees", "email", "company")
		require.NoError(t, err)
	})

	// A company whose identifier equals a class-wide index name keeps its
	// participation collection through a rebuild of that index.
	named := model.New("company", "tier_index", map[string]string{"tier": "gold"})
	require.NoError(t, f.repo.Save(f.ctx, named))
	ann := f.employee(named, "ann", map[string]string{"email": "ann@x"})

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, tier, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Indexed)
	members, err := f.repo.Participants(f.ctx, named, "employee")
	require.NoError(t, err)
	require.Equal(t, []string{"ann"}, members)

	// A scoped index named like the participation collection writes
	// alongside it.
	u := f.unique(employees)
	require.NoError(t, u.Add(f.ctx, named, ann))
	id, ok, err := u.Lookup(f.ctx, named, "ann@x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ann", id)
	members, err = f.repo.Participants(f.ctx, named, "employee")
	require.NoError(t, err)
	require.Equal(t, []string{"ann"}, members)

	key, err := u.LiveKey(named)
	require.NoError(t, err)
	require.Equal(t, "company:tier_index:idx:employees", key)
	key, err = f.multi(tier).ValueKey(nil, "gold")
	require.NoError(t, err)
	require.Equal(t, "company:idx:tier_index:v:gold", key)
}
