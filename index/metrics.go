package index

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	rebuildCount    metric.Int64Counter
	rebuildDuration metric.Int64Histogram
	indexedCount    metric.Int64Counter
	failedBatches   metric.Int64Counter
	conflictCount   metric.Int64Counter
	activeGauge     metric.Int64ObservableGauge
	active          atomic.Int64
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("github.com/delano/familia-sub006/index")
	m := &metrics{}
	var err error

	m.rebuildCount, err = meter.Int64Counter(
		"familia.index.rebuild",
		metric.WithDescription("Index rebuilds"),
	)
	logMetricInitError(logger, "familia.index.rebuild", err)

	m.rebuildDuration, err = meter.Int64Histogram(
		"familia.index.rebuild.duration_ms",
		metric.WithDescription("Index rebuild duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "familia.index.rebuild.duration_ms", err)

	m.indexedCount, err = meter.Int64Counter(
		"familia.index.rebuild.indexed",
		metric.WithDescription("Objects written by index rebuilds"),
	)
	logMetricInitError(logger, "familia.index.rebuild.indexed", err)

	m.failedBatches, err = meter.Int64Counter(
		"familia.index.rebuild.failed_batches",
		metric.WithDescription("Rebuild batches skipped after an error"),
	)
	logMetricInitError(logger, "familia.index.rebuild.failed_batches", err)

	m.conflictCount, err = meter.Int64Counter(
		"familia.index.unique.conflict",
		metric.WithDescription("Unique index writes rejected by the guard"),
	)
	logMetricInitError(logger, "familia.index.unique.conflict", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"familia.index.rebuild.active",
		metric.WithDescription("Rebuilds running in this process"),
	)
	logMetricInitError(logger, "familia.index.rebuild.active", err)

	if m.activeGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, m.active.Load())
			return nil
		}, m.activeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "familia.index.rebuild.active", "error", err)
		}
	}
	return m
}

func (m *metrics) rebuildStarted() func() {
	if m == nil {
		return func() {}
	}
	m.active.Add(1)
	return func() { m.active.Add(-1) }
}

func (m *metrics) recordRebuild(ctx context.Context, rel Relationship, strategy Strategy, res RebuildResult, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("familia.index", rel.ID()),
		attribute.String("familia.index.cardinality", rel.Cardinality.String()),
		attribute.String("familia.index.strategy", strategy.String()),
		attribute.String("familia.index.result", metricResultLabel(err)),
	)
	if m.rebuildCount != nil {
		m.rebuildCount.Add(ctx, 1, attrs)
	}
	if m.rebuildDuration != nil {
		m.rebuildDuration.Record(ctx, res.Elapsed.Milliseconds(), attrs)
	}
	if m.indexedCount != nil && res.Indexed > 0 {
		m.indexedCount.Add(ctx, res.Indexed, attrs)
	}
	if m.failedBatches != nil && res.FailedBatches > 0 {
		m.failedBatches.Add(ctx, int64(res.FailedBatches), attrs)
	}
}

func (m *metrics) recordConflict(ctx context.Context, rel Relationship) {
	if m == nil || m.conflictCount == nil {
		return
	}
	m.conflictCount.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("familia.index", rel.ID()),
	))
}

func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isCanceled(err):
		return "canceled"
	default:
		return "error"
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
