package index

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

// BatchProcessor drives a candidate cursor through fixed-size batches: load,
// drop tombstones and blank values, then commit each batch's writes as one
// atomic unit.
type BatchProcessor struct {
	Store     kv.Store
	Loader    Loader
	Class     string
	Field     string
	BatchSize int
	Clock     clock.Clock
	Logger    pslog.Logger

	Index    string
	Phase    string
	Progress ProgressFunc

	// Filter narrows each raw batch before loading.
	Filter func(ctx context.Context, ids []string) ([]string, error)
	// Tolerant logs a failing batch, counts it as zero progress and moves on.
	Tolerant bool
	// Emit returns the writes for one object with a non-blank value.
	Emit func(obj Object, value string) []kv.Op
	// BatchOps are appended to every unit that carries writes.
	BatchOps func() []kv.Op
	// AfterBatch runs once a batch is committed, before progress is reported.
	AfterBatch func(ctx context.Context) error
}

// BatchStats summarises one processor run.
type BatchStats struct {
	Processed int64
	Indexed   int64
	Batches   int
	Failed    int
}

// Run consumes cur until it is exhausted, ctx is done or a batch fails.
func (p *BatchProcessor) Run(ctx context.Context, cur Cursor) (BatchStats, error) {
	var stats BatchStats
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	clk := clock.OrReal(p.Clock)
	logger := loggingutil.EnsureLogger(p.Logger)
	start := clk.Now()
	total := cur.Total()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ids, err := cur.Next(ctx, size)
		if err != nil {
			return stats, err
		}
		if len(ids) == 0 {
			return stats, nil
		}
		stats.Batches++
		processed, indexed, err := p.runBatch(ctx, ids)
		if err != nil {
			if !p.Tolerant || ctx.Err() != nil {
				return stats, fmt.Errorf("index: batch %d: %w", stats.Batches, err)
			}
			stats.Failed++
			logger.Warn("index.rebuild.batch.failed",
				"index", p.Index,
				"phase", p.Phase,
				"batch", stats.Batches,
				"candidates", len(ids),
				"error", err,
			)
		} else {
			stats.Processed += processed
			stats.Indexed += indexed
			logger.Debug("index.rebuild.batch.committed",
				"index", p.Index,
				"phase", p.Phase,
				"batch", stats.Batches,
				"processed", processed,
				"indexed", indexed,
			)
		}
		if p.AfterBatch != nil {
			if err := p.AfterBatch(ctx); err != nil {
				return stats, err
			}
		}
		if p.Progress != nil {
			elapsed := clk.Since(start)
			p.Progress(Progress{
				Index:     p.Index,
				Phase:     p.Phase,
				Completed: stats.Processed,
				Total:     total,
				Indexed:   stats.Indexed,
				Batch:     stats.Batches,
				Rate:      rate(stats.Processed, elapsed),
				Elapsed:   elapsed,
			})
		}
	}
}

func (p *BatchProcessor) runBatch(ctx context.Context, ids []string) (processed, indexed int64, err error) {
	if p.Filter != nil {
		ids, err = p.Filter(ctx, ids)
		if err != nil {
			return 0, 0, err
		}
		if len(ids) == 0 {
			return 0, 0, nil
		}
	}
	objs, err := p.Loader.LoadMany(ctx, p.Class, ids)
	if err != nil {
		return 0, 0, err
	}
	var ops []kv.Op
	for _, obj := range objs {
		value, ok := obj.FieldValue(p.Field)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		indexed++
		if p.Emit != nil {
			ops = append(ops, p.Emit(obj, value)...)
		}
	}
	if len(ops) > 0 {
		if p.BatchOps != nil {
			ops = append(ops, p.BatchOps()...)
		}
		if err := p.Store.RunAsUnit(ctx, ops); err != nil {
			return 0, 0, err
		}
	}
	return int64(len(ids)), indexed, nil
}
