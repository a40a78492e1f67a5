package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/correlation"
	"github.com/delano/familia-sub006/kv"
)

// RebuildOptions tune a single rebuild.
type RebuildOptions struct {
	// BatchSize defaults to the engine batch size.
	BatchSize int
	Progress  ProgressFunc
	Strategy  Strategy
}

// RebuildResult reports what a rebuild did.
type RebuildResult struct {
	Index    string
	Scope    string
	Strategy Strategy
	// Processed counts candidates seen, including tombstones and blanks.
	Processed int64
	// Indexed counts objects written to the index.
	Indexed       int64
	Batches       int
	FailedBatches int
	// Swapped is true when the temp key replaced the live key.
	Swapped bool
	TempKey string
	// Values is the number of distinct values of a multi index.
	Values int
	// Cleared counts keys deleted before rebuilding: the live key of an
	// emptied unique index, or every value set of a multi index.
	Cleared int64
	Elapsed time.Duration
	// CorrelationID tags every log line and span of the run.
	CorrelationID string
}

// Rebuilder reconstructs indexes from ground truth.
type Rebuilder struct {
	eng    *Engine
	logger pslog.Logger
}

// Rebuild reconstructs rel under scope. Unique indexes are written into a
// temp key and swapped over the live key; multi indexes are cleared and
// refilled from cached objects, leaving a window where readers see a partial
// index. Concurrent rebuilds of the same index fail with
// ErrRebuildInProgress.
func (r *Rebuilder) Rebuild(ctx context.Context, rel Relationship, scope Object, opts RebuildOptions) (RebuildResult, error) {
	res := RebuildResult{Index: rel.ID()}
	if err := rel.validate(); err != nil {
		return res, err
	}
	k, err := r.eng.resolveKeys(rel, scope)
	if err != nil {
		return res, err
	}
	src, err := r.eng.selectSource(rel, scope, opts.Strategy)
	if err != nil {
		return res, err
	}
	res.Scope = k.scope
	res.Strategy = src.strategy
	if opts.BatchSize <= 0 {
		opts.BatchSize = r.eng.cfg.BatchSize
	}

	ctx, runID := correlation.Ensure(ctx)
	res.CorrelationID = runID
	logger := r.logger.With("index", rel.ID(), "strategy", src.strategy.String(), "correlation_id", runID)
	if k.scope != "" {
		logger = logger.With("scope", k.scope)
	}
	start := r.eng.clock.Now()
	defer r.eng.metrics.rebuildStarted()()

	lease, err := AcquireLease(ctx, r.eng.store, k.lock, r.eng.cfg.LockTTL)
	if err != nil {
		logger.Warn("index.rebuild.lease.busy", "error", err)
		return res, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("index.rebuild.lease.release_failed", "error", err)
		}
	}()
	logger.Info("index.rebuild.start", "batch_size", opts.BatchSize, "lease", lease.Key())

	switch rel.Cardinality {
	case Multi:
		err = r.rebuildMulti(ctx, rel, k, src, lease, opts, logger, &res)
	default:
		err = r.rebuildUnique(ctx, rel, k, src, lease, opts, logger, &res)
	}
	res.Elapsed = r.eng.clock.Since(start)
	r.eng.metrics.recordRebuild(ctx, rel, src.strategy, res, err)
	if err != nil {
		logger.Warn("index.rebuild.failed",
			"processed", res.Processed,
			"indexed", res.Indexed,
			"temp_key", res.TempKey,
			"error", err,
		)
		return res, err
	}
	logger.Info("index.rebuild.complete",
		"processed", res.Processed,
		"indexed", res.Indexed,
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
		"swapped", res.Swapped,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (r *Rebuilder) processor(rel Relationship, src source, opts RebuildOptions, phase string, logger pslog.Logger) *BatchProcessor {
	return &BatchProcessor{
		Store:     r.eng.store,
		Loader:    r.eng.host,
		Class:     rel.IndexedClass,
		Field:     rel.Field,
		BatchSize: opts.BatchSize,
		Clock:     r.eng.clock,
		Logger:    logger,
		Index:     rel.ID(),
		Phase:     phase,
		Progress:  opts.Progress,
		Filter:    src.filter,
		Tolerant:  src.tolerant,
	}
}

func (r *Rebuilder) rebuildUnique(ctx context.Context, rel Relationship, k keys, src source, lease *Lease, opts RebuildOptions, logger pslog.Logger, res *RebuildResult) error {
	temp := k.tempKey(r.eng.clock.Now())
	res.TempKey = temp
	ttl := r.eng.cfg.TempKeyTTL

	proc := r.processor(rel, src, opts, PhaseIndex, logger)
	proc.Emit = func(obj Object, value string) []kv.Op {
		return []kv.Op{kv.HSet(temp, value, obj.Identifier())}
	}
	proc.BatchOps = func() []kv.Op {
		return []kv.Op{kv.Expire(temp, ttl)}
	}
	proc.AfterBatch = lease.Refresh

	cur, err := src.open(ctx)
	if err != nil {
		return err
	}
	stats, err := proc.Run(ctx, cur)
	res.Processed = stats.Processed
	res.Indexed = stats.Indexed
	res.Batches = stats.Batches
	res.FailedBatches = stats.Failed
	if err != nil {
		return err
	}
	return r.swap(ctx, k, temp, res, logger)
}

// swap publishes the temp key. An empty rebuild clears the live key; a temp
// key that vanished in the meantime leaves the live key untouched.
func (r *Rebuilder) swap(ctx context.Context, k keys, temp string, res *RebuildResult, logger pslog.Logger) error {
	unfence, err := r.fence(ctx, k, logger)
	if err != nil {
		return err
	}
	defer unfence()

	if res.Indexed == 0 {
		n, err := r.eng.store.Del(ctx, k.live, temp)
		if err != nil {
			return fmt.Errorf("index: clear %s: %w", k.live, err)
		}
		res.Cleared = n
		logger.Info("index.rebuild.swap.cleared", "live_key", k.live)
		return nil
	}
	ok, err := r.eng.store.SwapKey(ctx, temp, k.live)
	if err != nil {
		return fmt.Errorf("index: swap %s onto %s: %w", temp, k.live, err)
	}
	if !ok {
		logger.Warn("index.rebuild.swap.vanished", "temp_key", temp, "live_key", k.live)
		return nil
	}
	res.Swapped = true
	logger.Debug("index.rebuild.swap.done", "temp_key", temp, "live_key", k.live)
	return nil
}

// fence holds the writer fence while the live key changes under writers
// configured to honour it.
func (r *Rebuilder) fence(ctx context.Context, k keys, logger pslog.Logger) (func(), error) {
	if !r.eng.cfg.FenceWriters {
		return func() {}, nil
	}
	token := leaseToken()
	ok, err := r.eng.store.SetNX(ctx, k.fence, token, r.eng.cfg.FenceTTL)
	if err != nil {
		return nil, fmt.Errorf("index: raise fence %s: %w", k.fence, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: fence %s already raised", ErrRebuildInProgress, k.fence)
	}
	return func() {
		if _, err := r.eng.store.CompareAndDelete(context.WithoutCancel(ctx), k.fence, token); err != nil {
			logger.Warn("index.rebuild.fence.release_failed", "fence", k.fence, "error", err)
		}
	}, nil
}

type cachedEntry struct {
	id    string
	value string
}

func (r *Rebuilder) rebuildMulti(ctx context.Context, rel Relationship, k keys, src source, lease *Lease, opts RebuildOptions, logger pslog.Logger, res *RebuildResult) error {
	m, err := r.eng.MultiFor(rel)
	if err != nil {
		return err
	}

	// Load: cache every indexable object once.
	var cached []cachedEntry
	values := make(map[string]struct{})
	proc := r.processor(rel, src, opts, PhaseLoad, logger)
	proc.Emit = func(obj Object, value string) []kv.Op {
		cached = append(cached, cachedEntry{id: obj.Identifier(), value: value})
		values[value] = struct{}{}
		return nil
	}
	proc.AfterBatch = lease.Refresh
	cur, err := src.open(ctx)
	if err != nil {
		return err
	}
	stats, err := proc.Run(ctx, cur)
	res.Processed = stats.Processed
	res.Batches = stats.Batches
	res.FailedBatches = stats.Failed
	res.Values = len(values)
	if err != nil {
		return err
	}

	unfence, err := r.fence(ctx, k, logger)
	if err != nil {
		return err
	}
	defer unfence()

	// Clear: drop every value set, including values no object holds anymore.
	start := r.eng.clock.Now()
	batch := 0
	err = kv.ScanAll(ctx, r.eng.store, k.valuePattern(), opts.BatchSize, func(page []string) error {
		if len(page) > 0 {
			n, err := r.eng.store.Del(ctx, page...)
			if err != nil {
				return err
			}
			res.Cleared += n
		}
		batch++
		r.emit(opts.Progress, Progress{
			Index:     rel.ID(),
			Phase:     PhaseClear,
			Completed: res.Cleared,
			Batch:     batch,
		}, start)
		return lease.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("index: clear %s: %w", rel.ID(), err)
	}
	logger.Debug("index.rebuild.multi.cleared", "keys", res.Cleared, "values", res.Values)

	// Rebuild: replay the cached objects through the runtime add builder.
	start = r.eng.clock.Now()
	total := int64(len(cached))
	batch = 0
	for lo := 0; lo < len(cached); lo += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(lo+opts.BatchSize, len(cached))
		var ops []kv.Op
		for _, e := range cached[lo:hi] {
			ops = append(ops, m.addOps(k, e.value, e.id)...)
		}
		if err := r.eng.store.RunAsUnit(ctx, ops); err != nil {
			return fmt.Errorf("index: rebuild %s batch %d: %w", rel.ID(), batch+1, err)
		}
		batch++
		res.Indexed += int64(hi - lo)
		if err := lease.Refresh(ctx); err != nil {
			return err
		}
		r.emit(opts.Progress, Progress{
			Index:     rel.ID(),
			Phase:     PhaseRebuild,
			Completed: res.Indexed,
			Total:     total,
			Indexed:   res.Indexed,
			Batch:     batch,
		}, start)
	}
	return nil
}

func (r *Rebuilder) emit(fn ProgressFunc, p Progress, start time.Time) {
	if fn == nil {
		return
	}
	p.Elapsed = r.eng.clock.Since(start)
	p.Rate = rate(p.Completed, p.Elapsed)
	fn(p)
}

// RebuildAll rebuilds every index declared on class. Scoped indexes are
// rebuilt once per instance of their scope class. It stops at the first
// failure and returns the results gathered so far.
func (r *Rebuilder) RebuildAll(ctx context.Context, class string, opts RebuildOptions) ([]RebuildResult, error) {
	rels := r.eng.registry.ForClass(class)
	if len(rels) == 0 {
		return nil, fmt.Errorf("%w: no indexes declared on %s", ErrUnknownIndex, class)
	}
	for _, rel := range rels {
		if !rel.Scoped() {
			continue
		}
		if _, ok := r.eng.host.InstancesKey(rel.ScopeClass); !ok {
			return nil, configErr(rel, "cannot enumerate %s scopes without an instances collection", rel.ScopeClass)
		}
	}

	var out []RebuildResult
	for _, rel := range rels {
		if !rel.Scoped() {
			res, err := r.Rebuild(ctx, rel, nil, opts)
			out = append(out, res)
			if err != nil {
				return out, err
			}
			continue
		}
		key, _ := r.eng.host.InstancesKey(rel.ScopeClass)
		ids, err := r.eng.store.SMembers(ctx, key)
		if err != nil {
			return out, fmt.Errorf("index: list %s scopes: %w", rel.ScopeClass, err)
		}
		scopes, err := r.eng.host.LoadMany(ctx, rel.ScopeClass, ids)
		if err != nil {
			return out, fmt.Errorf("index: load %s scopes: %w", rel.ScopeClass, err)
		}
		for _, scope := range scopes {
			res, err := r.Rebuild(ctx, rel, scope, opts)
			out = append(out, res)
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// SweepOrphans lists rebuild temp keys left behind by abandoned rebuilds of a
// unique index. With remove set it deletes them while holding the rebuild
// lease, so a running rebuild never loses its temp key.
func (r *Rebuilder) SweepOrphans(ctx context.Context, rel Relationship, scope Object, remove bool) ([]string, error) {
	if rel.Cardinality != Unique {
		return nil, configErr(rel, "multi indexes keep no temp keys")
	}
	k, err := r.eng.resolveKeys(rel, scope)
	if err != nil {
		return nil, err
	}
	if remove {
		lease, err := AcquireLease(ctx, r.eng.store, k.lock, r.eng.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("index.orphans.lease.release_failed", "index", rel.ID(), "error", err)
			}
		}()
	}
	var found []string
	err = kv.ScanAll(ctx, r.eng.store, k.orphanPattern(), r.eng.cfg.BatchSize, func(page []string) error {
		found = append(found, page...)
		if !remove {
			return nil
		}
		_, err := r.eng.store.Del(ctx, page...)
		return err
	})
	if err != nil {
		return found, fmt.Errorf("index: sweep %s: %w", rel.ID(), err)
	}
	if len(found) > 0 {
		r.logger.Info("index.orphans.found", "index", rel.ID(), "count", len(found), "removed", remove)
	}
	return found, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
