package index_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/internal/storage/memory"
	"github.com/delano/familia-sub006/kv"
	"github.com/delano/familia-sub006/model"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clk   *clock.Manual
	store *memory.Store
	repo  *model.Repository
	eng   *index.Engine

	email  index.Relationship // unique, scoped to company
	dept   index.Relationship // multi, scoped to company
	handle index.Relationship // unique, class-wide
	role   index.Relationship // multi, class-wide
}

func newFixture(t *testing.T, tweak ...func(*index.Config)) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	store := memory.NewWithConfig(memory.Config{Clock: clk})
	repo, err := model.NewRepository(store, nil,
		model.Class{
			Name:           "company",
			Instances:      true,
			Participations: []model.Participation{{Collection: "employees", Member: "employee"}},
		},
		model.Class{Name: "employee", Instances: true},
		model.Class{Name: "contractor"},
	)
	require.NoError(t, err)

	reg := index.NewRegistry()
	f := &fixture{t: t, ctx: context.Background(), clk: clk, store: store, repo: repo}
	f.email, err = reg.Unique("employee", "email_index", "email", "company")
	require.NoError(t, err)
	f.dept, err = reg.Multi("employee", "dept_index", "dept", "company")
	require.NoError(t, err)
	f.handle, err = reg.Unique("employee", "handle_index", "handle", "")
	require.NoError(t, err)
	f.role, err = reg.Multi("employee", "role_index", "role", "")
	require.NoError(t, err)

	cfg := index.Config{Store: store, Host: repo, Registry: reg, Clock: clk}
	for _, fn := range tweak {
		fn(&cfg)
	}
	f.eng, err = index.New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) company(id string) *model.Object {
	f.t.Helper()
	c := model.New("company", id, nil)
	require.NoError(f.t, f.repo.Save(f.ctx, c))
	return c
}

// employee saves an employee and enrols it in scope when one is given.
func (f *fixture) employee(scope *model.Object, id string, fields map[string]string) *model.Object {
	f.t.Helper()
	e := model.New("employee", id, fields)
	require.NoError(f.t, f.repo.Save(f.ctx, e))
	if scope != nil {
		require.NoError(f.t, f.repo.AddParticipant(f.ctx, scope, e))
	}
	return e
}

// population saves n employees with handle h<i>@x.
func (f *fixture) population(scope *model.Object, n int) []*model.Object {
	out := make([]*model.Object, 0, n)
	for i := range n {
		id := fmt.Sprintf("e%03d", i)
		out = append(out, f.employee(scope, id, map[string]string{
			"handle": fmt.Sprintf("h%03d@x", i),
			"email":  fmt.Sprintf("%s@x.com", id),
		}))
	}
	return out
}

func (f *fixture) unique(rel index.Relationship) *index.UniqueIndex {
	f.t.Helper()
	u, err := f.eng.UniqueFor(rel)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) multi(rel index.Relationship) *index.MultiIndex {
	f.t.Helper()
	m, err := f.eng.MultiFor(rel)
	require.NoError(f.t, err)
	return m
}

func ids(objs []index.Object) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Identifier())
	}
	return out
}

// noIO fails the test on any store call that reaches it.
type noIO struct {
	kv.Store
}

// failingHost fails LoadMany for the batches listed in failOn (1-based).
type failingHost struct {
	*model.Repository
	calls  int
	failOn map[int]bool
}

func (h *failingHost) LoadMany(ctx context.Context, class string, ids []string) ([]index.Object, error) {
	h.calls++
	if h.failOn[h.calls] {
		return nil, kv.NewTransientError(fmt.Errorf("load %s: connection reset", class))
	}
	return h.Repository.LoadMany(ctx, class, ids)
}
