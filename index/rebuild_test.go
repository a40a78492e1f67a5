package index_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/internal/correlation"
	"github.com/delano/familia-sub006/kv"
	"github.com/delano/familia-sub006/model"
)

func TestRebuildViaInstancesReportsProgress(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 250)

	var completed []int64
	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{
		BatchSize: 100,
		Progress: func(p index.Progress) {
			require.Equal(t, int64(250), p.Total)
			require.Equal(t, index.PhaseIndex, p.Phase)
			completed = append(completed, p.Completed)
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200, 250}, completed)
	require.Equal(t, index.StrategyInstances, res.Strategy)
	require.Equal(t, int64(250), res.Indexed)
	require.Equal(t, int64(250), res.Processed)
	require.Equal(t, 3, res.Batches)
	require.True(t, res.Swapped)

	u := f.unique(f.handle)
	for i := range 250 {
		id, ok, err := u.Lookup(f.ctx, nil, fmt.Sprintf("h%03d@x", i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("e%03d", i), id)
	}
}

func TestRebuildCountsBlankValuesAsProcessed(t *testing.T) {
	f := newFixture(t)
	people := f.population(nil, 250)
	people[17].Set("handle", "")
	require.NoError(t, f.repo.Save(f.ctx, people[17]))

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{BatchSize: 100})
	require.NoError(t, err)
	require.Equal(t, int64(249), res.Indexed)
	require.Equal(t, int64(250), res.Processed)

	people[42].Set("handle", "   ")
	require.NoError(t, f.repo.Save(f.ctx, people[42]))
	res, err = f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(248), res.Indexed)
	_, ok, err := f.unique(f.handle).Lookup(f.ctx, nil, "   ")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRebuildIsBatchSizeInvariant(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 37)
	u := f.unique(f.handle)

	_, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{BatchSize: 1})
	require.NoError(t, err)
	small, err := u.Entries(f.ctx, nil)
	require.NoError(t, err)

	_, err = f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{BatchSize: 1000})
	require.NoError(t, err)
	large, err := u.Entries(f.ctx, nil)
	require.NoError(t, err)

	require.Len(t, small, 37)
	require.Equal(t, small, large)
}

func TestRebuildReplacesStaleEntries(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 3)
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index", "gone@x", "ghost"))

	_, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	entries, err := f.unique(f.handle).Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotContains(t, entries, "gone@x")

	// The swapped live key carries no expiry.
	f.clk.Advance(index.DefaultTempKeyTTL + time.Hour)
	entries, err = f.unique(f.handle).Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestRebuildViaParticipation(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	globex := f.company("globex")
	f.employee(acme, "ann", map[string]string{"email": "ann@acme"})
	f.employee(acme, "ben", map[string]string{"email": "ben@acme"})
	f.employee(globex, "gus", map[string]string{"email": "gus@globex"})
	ghost := f.employee(acme, "ghost", map[string]string{"email": "ghost@acme"})
	require.NoError(t, f.repo.Delete(f.ctx, ghost))

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.email, acme, index.RebuildOptions{})
	require.NoError(t, err)
	require.Equal(t, index.StrategyParticipation, res.Strategy)
	require.Equal(t, "company:acme", res.Scope)
	require.Equal(t, int64(3), res.Processed)
	require.Equal(t, int64(2), res.Indexed)

	entries, err := f.unique(f.email).Entries(f.ctx, acme)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"ann@acme": "ann", "ben@acme": "ben"}, entries)
}

func TestRebuildViaScanFiltersByScope(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	globex := f.company("globex")
	f.employee(acme, "ann", map[string]string{"email": "ann@acme"})
	f.employee(globex, "gus", map[string]string{"email": "gus@globex"})
	f.employee(nil, "solo", map[string]string{"email": "solo@nowhere"})

	var totals []int64
	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.email, acme, index.RebuildOptions{
		Strategy: index.StrategyScan,
		Progress: func(p index.Progress) { totals = append(totals, p.Total) },
	})
	require.NoError(t, err)
	require.Equal(t, index.StrategyScan, res.Strategy)
	require.Equal(t, int64(1), res.Indexed)
	for _, total := range totals {
		require.Zero(t, total)
	}
	entries, err := f.unique(f.email).Entries(f.ctx, acme)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"ann@acme": "ann"}, entries)
}

func TestRebuildViaScanIgnoresIndexKeysMatchingObjectPattern(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 5)
	// The role set for "object" ends in :object like every stored object.
	odd := f.employee(nil, "odd", map[string]string{"role": "object"})
	require.NoError(t, f.multi(f.role).Add(f.ctx, nil, odd))

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{
		Strategy:  index.StrategyScan,
		BatchSize: 100,
	})
	require.NoError(t, err)
	require.Zero(t, res.FailedBatches)
	require.Equal(t, int64(6), res.Processed)
	require.Equal(t, int64(5), res.Indexed)
	entries, err := f.unique(f.handle).Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 5)
}

func TestRebuildScanSkipsFailedBatches(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 30)
	host := &failingHost{Repository: f.repo, failOn: map[int]bool{2: true}}
	eng, err := index.New(index.Config{Store: f.store, Host: host, Registry: f.eng.Registry(), Clock: f.clk})
	require.NoError(t, err)

	var completed []int64
	res, err := eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{
		BatchSize: 10,
		Strategy:  index.StrategyScan,
		Progress:  func(p index.Progress) { completed = append(completed, p.Completed) },
	})
	require.NoError(t, err)
	require.Equal(t, []int64{10, 10, 20}, completed)
	require.Equal(t, 3, res.Batches)
	require.Equal(t, 1, res.FailedBatches)
	require.Equal(t, int64(20), res.Indexed)
	require.True(t, res.Swapped)
}

func TestRebuildInstancesFailureLeavesLiveUntouched(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 30)
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index", "keep@x", "keeper"))
	host := &failingHost{Repository: f.repo, failOn: map[int]bool{2: true}}
	eng, err := index.New(index.Config{Store: f.store, Host: host, Registry: f.eng.Registry(), Clock: f.clk})
	require.NoError(t, err)

	res, err := eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{BatchSize: 10})
	require.Error(t, err)
	require.True(t, kv.IsTransient(err))
	require.False(t, res.Swapped)

	entries, err := f.unique(f.handle).Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"keep@x": "keeper"}, entries)
	orphans, err := f.eng.Rebuilder().SweepOrphans(f.ctx, f.handle, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{res.TempKey}, orphans)
}

func TestRebuildConfigErrorsPrecedeIO(t *testing.T) {
	f := newFixture(t)
	eng, err := index.New(index.Config{Store: noIO{}, Host: f.repo, Registry: f.eng.Registry()})
	require.NoError(t, err)
	acme := model.New("company", "acme", nil)
	badge := index.Relationship{Field: "badge", IndexedClass: "contractor", Name: "badge_index", Cardinality: index.Unique}
	scopedBadge := badge
	scopedBadge.ScopeClass = "company"

	cases := []struct {
		name     string
		rel      index.Relationship
		scope    index.Object
		strategy index.Strategy
	}{
		{"participation on class-wide index", f.handle, nil, index.StrategyParticipation},
		{"instances on scoped index", f.email, acme, index.StrategyInstances},
		{"missing scope", f.email, nil, index.StrategyAuto},
		{"unexpected scope", f.handle, acme, index.StrategyAuto},
		{"class without instances", badge, nil, index.StrategyInstances},
		{"scan without participation filter", scopedBadge, acme, index.StrategyAuto},
		{"unknown strategy", f.handle, nil, index.Strategy("psychic")},
		{"invalid relationship", index.Relationship{IndexedClass: "employee", Name: "x:y", Field: "f", Cardinality: index.Unique}, nil, index.StrategyAuto},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Rebuilder().Rebuild(context.Background(), tc.rel, tc.scope, index.RebuildOptions{Strategy: tc.strategy})
			require.ErrorIs(t, err, index.ErrConfiguration)
		})
	}
}

func TestRebuildWithNoValuesClearsLive(t *testing.T) {
	f := newFixture(t)
	f.employee(nil, "ann", nil)
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index", "stale@x", "ghost"))

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.Zero(t, res.Indexed)
	require.False(t, res.Swapped)
	require.Equal(t, int64(1), res.Cleared)
	ok, err := f.store.Exists(f.ctx, "employee:idx:handle_index")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRebuildVanishedTempIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 5)
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index", "keep@x", "keeper"))

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{
		Progress: func(index.Progress) {
			err := kv.ScanAll(f.ctx, f.store, "employee:idx:handle_index:tmp:*", 10, func(keys []string) error {
				_, err := f.store.Del(f.ctx, keys...)
				return err
			})
			require.NoError(t, err)
		},
	})
	require.NoError(t, err)
	require.False(t, res.Swapped)
	entries, err := f.unique(f.handle).Entries(f.ctx, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"keep@x": "keeper"}, entries)
}

func TestRebuildCancelledTempKeyExpires(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 20)
	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	res, err := f.eng.Rebuilder().Rebuild(ctx, f.handle, nil, index.RebuildOptions{
		BatchSize: 5,
		Progress:  func(index.Progress) { cancel() },
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Batches)

	ok, err := f.store.Exists(f.ctx, "employee:idx:handle_index")
	require.NoError(t, err)
	require.False(t, ok, "live key must not be touched")
	locked, err := f.store.Exists(f.ctx, "employee:idx:handle_index:lock")
	require.NoError(t, err)
	require.False(t, locked, "lease must be released on cancellation")

	orphans, err := f.eng.Rebuilder().SweepOrphans(f.ctx, f.handle, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{res.TempKey}, orphans)

	f.clk.Advance(index.DefaultTempKeyTTL + time.Second)
	orphans, err = f.eng.Rebuilder().SweepOrphans(f.ctx, f.handle, nil, false)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestRebuildRefusesConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 3)
	lease, err := index.AcquireLease(f.ctx, f.store, "employee:idx:handle_index:lock", time.Minute)
	require.NoError(t, err)

	_, err = f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.ErrorIs(t, err, index.ErrRebuildInProgress)
	require.Contains(t, err.Error(), lease.Owner())

	require.NoError(t, lease.Release(f.ctx))
	_, err = f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
}

func TestLeaseExpiresAndIsLost(t *testing.T) {
	f := newFixture(t)
	lease, err := index.AcquireLease(f.ctx, f.store, "lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Refresh(f.ctx))

	f.clk.Advance(2 * time.Minute)
	require.ErrorIs(t, lease.Refresh(f.ctx), index.ErrLeaseLost)

	other, err := index.AcquireLease(f.ctx, f.store, "lock", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, lease.Owner(), other.Owner())
	// A stale holder cannot release the new owner's lease.
	require.NoError(t, lease.Release(f.ctx))
	held, err := f.store.Exists(f.ctx, "lock")
	require.NoError(t, err)
	require.True(t, held)
}

func TestRebuildWithFenceReleasesIt(t *testing.T) {
	f := newFixture(t, func(cfg *index.Config) { cfg.FenceWriters = true })
	f.population(nil, 4)

	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.True(t, res.Swapped)
	fenced, err := f.store.Exists(f.ctx, "employee:idx:handle_index:fence")
	require.NoError(t, err)
	require.False(t, fenced)
	require.NoError(t, f.unique(f.handle).Add(f.ctx, nil, f.employee(nil, "late", map[string]string{"handle": "late@x"})))
}

func TestMultiRebuildClearsOrphanedValues(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	m := f.multi(f.dept)
	ann := f.employee(acme, "ann", map[string]string{"dept": "eng"})
	require.NoError(t, m.Add(f.ctx, acme, ann))
	f.employee(acme, "ben", map[string]string{"dept": "eng"})
	f.employee(acme, "cat", map[string]string{"dept": "sales"})
	f.employee(acme, "dan", map[string]string{"dept": " "})
	require.NoError(t, f.store.SAdd(f.ctx, "company:acme:idx:dept_index:v:legacy", "ann", "zed"))

	phases := map[string]int{}
	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.dept, acme, index.RebuildOptions{
		BatchSize: 2,
		Progress:  func(p index.Progress) { phases[p.Phase]++ },
	})
	require.NoError(t, err)
	require.Equal(t, index.StrategyParticipation, res.Strategy)
	require.Equal(t, int64(4), res.Processed)
	require.Equal(t, int64(3), res.Indexed)
	require.Equal(t, 2, res.Values)
	require.Equal(t, int64(2), res.Cleared)
	require.Positive(t, phases[index.PhaseLoad])
	require.Positive(t, phases[index.PhaseClear])
	require.Equal(t, 2, phases[index.PhaseRebuild])

	values, err := m.Values(f.ctx, acme)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"eng": 2, "sales": 1}, values)
}

func TestMultiRebuildClassWide(t *testing.T) {
	f := newFixture(t)
	for i := range 9 {
		f.employee(nil, fmt.Sprintf("e%d", i), map[string]string{"role": []string{"dev", "ops", "qa"}[i%3]})
	}
	res, err := f.eng.Rebuilder().Rebuild(f.ctx, f.role, nil, index.RebuildOptions{BatchSize: 4})
	require.NoError(t, err)
	require.Equal(t, index.StrategyInstances, res.Strategy)
	require.Equal(t, int64(9), res.Indexed)

	dev, err := f.multi(f.role).Members(f.ctx, nil, "dev")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"e0", "e3", "e6"}, dev)
}

func TestRebuildAllCoversEveryScope(t *testing.T) {
	f := newFixture(t)
	acme := f.company("acme")
	globex := f.company("globex")
	f.employee(acme, "ann", map[string]string{"email": "ann@acme", "dept": "eng", "handle": "ann", "role": "dev"})
	f.employee(globex, "gus", map[string]string{"email": "gus@globex", "dept": "ops", "handle": "gus", "role": "ops"})

	results, err := f.eng.Rebuilder().RebuildAll(f.ctx, "employee", index.RebuildOptions{})
	require.NoError(t, err)
	require.Len(t, results, 6)
	perIndex := map[string]int{}
	for _, res := range results {
		perIndex[res.Index]++
	}
	require.Equal(t, map[string]int{
		"employee.email_index":  2,
		"employee.dept_index":   2,
		"employee.handle_index": 1,
		"employee.role_index":   1,
	}, perIndex)

	id, ok, err := f.unique(f.email).Lookup(f.ctx, globex, "gus@globex")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gus", id)

	_, err = f.eng.Rebuilder().RebuildAll(f.ctx, "robot", index.RebuildOptions{})
	require.ErrorIs(t, err, index.ErrUnknownIndex)
}

func TestSweepOrphansRemovesLeftovers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index:tmp:1-abc", "a", "b"))
	require.NoError(t, f.store.HSet(f.ctx, "employee:idx:handle_index", "keep", "me"))

	found, err := f.eng.Rebuilder().SweepOrphans(f.ctx, f.handle, nil, true)
	require.NoError(t, err)
	require.Equal(t, []string{"employee:idx:handle_index:tmp:1-abc"}, found)
	left, err := f.eng.Rebuilder().SweepOrphans(f.ctx, f.handle, nil, false)
	require.NoError(t, err)
	require.Empty(t, left)
	ok, err := f.store.Exists(f.ctx, "employee:idx:handle_index")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.eng.Rebuilder().SweepOrphans(f.ctx, f.role, nil, false)
	require.ErrorIs(t, err, index.ErrConfiguration)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]index.Strategy{
		"":              index.StrategyAuto,
		"auto":          index.StrategyAuto,
		"Instances":     index.StrategyInstances,
		"participation": index.StrategyParticipation,
		" scan ":        index.StrategyScan,
	} {
		got, err := index.ParseStrategy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := index.ParseStrategy("psychic")
	require.ErrorIs(t, err, index.ErrConfiguration)
}

func TestRebuildCarriesCorrelationID(t *testing.T) {
	f := newFixture(t)
	f.population(nil, 3)

	res, err := f.eng.Rebuilder().Rebuild(correlation.With(f.ctx, "run-1"), f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.Equal(t, "run-1", res.CorrelationID)

	res, err = f.eng.Rebuilder().Rebuild(f.ctx, f.handle, nil, index.RebuildOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.CorrelationID)
	require.NotEqual(t, "run-1", res.CorrelationID)
}
