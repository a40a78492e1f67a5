package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/correlation"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

type store struct {
	inner  kv.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace spans and trace/debug logging.
func Wrap(inner kv.Store, logger pslog.Logger, sys string) kv.Store {
	if inner == nil {
		return nil
	}
	return &store{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("github.com/delano/familia-sub006/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "familia.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("familia.storage.operation", op),
		attribute.String("familia.storage.key", key),
		attribute.String("familia.sys", s.sys),
	)
	logger := loggingutil.FromContext(ctx, s.logger)
	if id := correlation.ID(ctx); id != "" {
		span.SetAttributes(attribute.String("familia.correlation_id", id))
		logger = logger.With("correlation_id", id)
	}
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "key", key, "elapsed", elapsed)
		}
		span.End()
	}
}

func (s *store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, _, _, finish := s.start(ctx, "get", key)
	value, ok, err := s.inner.Get(ctx, key)
	finish(err)
	return value, ok, err
}

func (s *store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "setnx", key)
	span.SetAttributes(attribute.Int64("familia.storage.ttl_ms", ttl.Milliseconds()))
	ok, err := s.inner.SetNX(ctx, key, value, ttl)
	span.SetAttributes(attribute.Bool("familia.storage.applied", ok))
	finish(err)
	return ok, err
}

func (s *store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "compare_and_delete", key)
	ok, err := s.inner.CompareAndDelete(ctx, key, expected)
	span.SetAttributes(attribute.Bool("familia.storage.applied", ok))
	finish(err)
	return ok, err
}

func (s *store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "compare_and_expire", key)
	ok, err := s.inner.CompareAndExpire(ctx, key, expected, ttl)
	span.SetAttributes(attribute.Bool("familia.storage.applied", ok))
	finish(err)
	return ok, err
}

func (s *store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, _, _, finish := s.start(ctx, "hget", key)
	value, ok, err := s.inner.HGet(ctx, key, field)
	finish(err)
	return value, ok, err
}

func (s *store) HMGet(ctx context.Context, key string, fields []string) ([]string, error) {
	ctx, span, _, finish := s.start(ctx, "hmget", key)
	span.SetAttributes(attribute.Int("familia.storage.fields", len(fields)))
	values, err := s.inner.HMGet(ctx, key, fields)
	finish(err)
	return values, err
}

func (s *store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, _, _, finish := s.start(ctx, "hgetall", key)
	values, err := s.inner.HGetAll(ctx, key)
	finish(err)
	return values, err
}

func (s *store) HSet(ctx context.Context, key, field, value string) error {
	ctx, _, _, finish := s.start(ctx, "hset", key)
	err := s.inner.HSet(ctx, key, field, value)
	finish(err)
	return err
}

func (s *store) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, _, _, finish := s.start(ctx, "hdel", key)
	err := s.inner.HDel(ctx, key, fields...)
	finish(err)
	return err
}

func (s *store) HLen(ctx context.Context, key string) (int64, error) {
	ctx, _, _, finish := s.start(ctx, "hlen", key)
	n, err := s.inner.HLen(ctx, key)
	finish(err)
	return n, err
}

func (s *store) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, span, _, finish := s.start(ctx, "sadd", key)
	span.SetAttributes(attribute.Int("familia.storage.members", len(members)))
	err := s.inner.SAdd(ctx, key, members...)
	finish(err)
	return err
}

func (s *store) SRem(ctx context.Context, key string, members ...string) error {
	ctx, span, _, finish := s.start(ctx, "srem", key)
	span.SetAttributes(attribute.Int("familia.storage.members", len(members)))
	err := s.inner.SRem(ctx, key, members...)
	finish(err)
	return err
}

func (s *store) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, span, _, finish := s.start(ctx, "smembers", key)
	members, err := s.inner.SMembers(ctx, key)
	span.SetAttributes(attribute.Int("familia.storage.members", len(members)))
	finish(err)
	return members, err
}

func (s *store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, _, _, finish := s.start(ctx, "sismember", key)
	ok, err := s.inner.SIsMember(ctx, key, member)
	finish(err)
	return ok, err
}

func (s *store) SCard(ctx context.Context, key string) (int64, error) {
	ctx, _, _, finish := s.start(ctx, "scard", key)
	n, err := s.inner.SCard(ctx, key)
	finish(err)
	return n, err
}

func (s *store) SRandMember(ctx context.Context, key string, count int) ([]string, error) {
	ctx, _, _, finish := s.start(ctx, "srandmember", key)
	members, err := s.inner.SRandMember(ctx, key, count)
	finish(err)
	return members, err
}

func (s *store) Del(ctx context.Context, keys ...string) (int64, error) {
	first := ""
	if len(keys) > 0 {
		first = keys[0]
	}
	ctx, span, _, finish := s.start(ctx, "del", first)
	span.SetAttributes(attribute.Int("familia.storage.keys", len(keys)))
	n, err := s.inner.Del(ctx, keys...)
	finish(err)
	return n, err
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, _, _, finish := s.start(ctx, "exists", key)
	ok, err := s.inner.Exists(ctx, key)
	finish(err)
	return ok, err
}

func (s *store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "expire", key)
	span.SetAttributes(attribute.Int64("familia.storage.ttl_ms", ttl.Milliseconds()))
	ok, err := s.inner.Expire(ctx, key, ttl)
	finish(err)
	return ok, err
}

func (s *store) RenameIfExists(ctx context.Context, src, dst string) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "rename", src)
	span.SetAttributes(attribute.String("familia.storage.destination", dst))
	ok, err := s.inner.RenameIfExists(ctx, src, dst)
	span.SetAttributes(attribute.Bool("familia.storage.applied", ok))
	finish(err)
	return ok, err
}

func (s *store) SwapKey(ctx context.Context, temp, live string) (bool, error) {
	ctx, span, logger, finish := s.start(ctx, "swap", live)
	span.SetAttributes(attribute.String("familia.storage.temp_key", temp))
	ok, err := s.inner.SwapKey(ctx, temp, live)
	span.SetAttributes(attribute.Bool("familia.storage.applied", ok))
	if err == nil {
		logger.Debug("storage.swap.result", "live", live, "temp", temp, "swapped", ok)
	}
	finish(err)
	return ok, err
}

func (s *store) Scan(ctx context.Context, pattern, cursor string, count int) (kv.ScanPage, error) {
	ctx, span, _, finish := s.start(ctx, "scan", pattern)
	span.SetAttributes(attribute.Bool("familia.storage.resumed", cursor != ""))
	page, err := s.inner.Scan(ctx, pattern, cursor, count)
	span.SetAttributes(attribute.Int("familia.storage.keys", len(page.Keys)))
	finish(err)
	return page, err
}

func (s *store) RunAsUnit(ctx context.Context, ops []kv.Op) error {
	first := ""
	if len(ops) > 0 {
		first = ops[0].Key
	}
	ctx, span, logger, finish := s.start(ctx, "unit", first)
	span.SetAttributes(attribute.Int("familia.storage.ops", len(ops)))
	logger.Trace("storage.unit.ops", "count", len(ops))
	err := s.inner.RunAsUnit(ctx, ops)
	finish(err)
	return err
}

func (s *store) Close() error {
	return s.inner.Close()
}
