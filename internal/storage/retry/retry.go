package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/kv"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg. With
// the default single attempt every call passes straight through.
func Wrap(inner kv.Store, logger pslog.Logger, clk clock.Clock, cfg Config) kv.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  kv.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.withRetry(ctx, "get", key, func(ctx context.Context) error {
		value, ok, err = s.inner.Get(ctx, key)
		return err
	})
	return value, ok, err
}

func (s *store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = s.withRetry(ctx, "setnx", key, func(ctx context.Context) error {
		ok, err = s.inner.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (s *store) CompareAndDelete(ctx context.Context, key, expected string) (ok bool, err error) {
	err = s.withRetry(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		ok, err = s.inner.CompareAndDelete(ctx, key, expected)
		return err
	})
	return ok, err
}

func (s *store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (ok bool, err error) {
	err = s.withRetry(ctx, "compare_and_expire", key, func(ctx context.Context) error {
		ok, err = s.inner.CompareAndExpire(ctx, key, expected, ttl)
		return err
	})
	return ok, err
}

func (s *store) HGet(ctx context.Context, key, field string) (value string, ok bool, err error) {
	err = s.withRetry(ctx, "hget", key, func(ctx context.Context) error {
		value, ok, err = s.inner.HGet(ctx, key, field)
		return err
	})
	return value, ok, err
}

func (s *store) HMGet(ctx context.Context, key string, fields []string) (values []string, err error) {
	err = s.withRetry(ctx, "hmget", key, func(ctx context.Context) error {
		values, err = s.inner.HMGet(ctx, key, fields)
		return err
	})
	return values, err
}

func (s *store) HGetAll(ctx context.Context, key string) (values map[string]string, err error) {
	err = s.withRetry(ctx, "hgetall", key, func(ctx context.Context) error {
		values, err = s.inner.HGetAll(ctx, key)
		return err
	})
	return values, err
}

func (s *store) HSet(ctx context.Context, key, field, value string) error {
	return s.withRetry(ctx, "hset", key, func(ctx context.Context) error {
		return s.inner.HSet(ctx, key, field, value)
	})
}

func (s *store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.withRetry(ctx, "hdel", key, func(ctx context.Context) error {
		return s.inner.HDel(ctx, key, fields...)
	})
}

func (s *store) HLen(ctx context.Context, key string) (n int64, err error) {
	err = s.withRetry(ctx, "hlen", key, func(ctx context.Context) error {
		n, err = s.inner.HLen(ctx, key)
		return err
	})
	return n, err
}

func (s *store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.withRetry(ctx, "sadd", key, func(ctx context.Context) error {
		return s.inner.SAdd(ctx, key, members...)
	})
}

func (s *store) SRem(ctx context.Context, key string, members ...string) error {
	return s.withRetry(ctx, "srem", key, func(ctx context.Context) error {
		return s.inner.SRem(ctx, key, members...)
	})
}

func (s *store) SMembers(ctx context.Context, key string) (members []string, err error) {
	err = s.withRetry(ctx, "smembers", key, func(ctx context.Context) error {
		members, err = s.inner.SMembers(ctx, key)
		return err
	})
	return members, err
}

func (s *store) SIsMember(ctx context.Context, key, member string) (ok bool, err error) {
	err = s.withRetry(ctx, "sismember", key, func(ctx context.Context) error {
		ok, err = s.inner.SIsMember(ctx, key, member)
		return err
	})
	return ok, err
}

func (s *store) SCard(ctx context.Context, key string) (n int64, err error) {
	err = s.withRetry(ctx, "scard", key, func(ctx context.Context) error {
		n, err = s.inner.SCard(ctx, key)
		return err
	})
	return n, err
}

func (s *store) SRandMember(ctx context.Context, key string, count int) (members []string, err error) {
	err = s.withRetry(ctx, "srandmember", key, func(ctx context.Context) error {
		members, err = s.inner.SRandMember(ctx, key, count)
		return err
	})
	return members, err
}

func (s *store) Del(ctx context.Context, keys ...string) (n int64, err error) {
	first := ""
	if len(keys) > 0 {
		first = keys[0]
	}
	err = s.withRetry(ctx, "del", first, func(ctx context.Context) error {
		n, err = s.inner.Del(ctx, keys...)
		return err
	})
	return n, err
}

func (s *store) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = s.withRetry(ctx, "exists", key, func(ctx context.Context) error {
		ok, err = s.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (s *store) Expire(ctx context.Context, key string, ttl time.Duration) (ok bool, err error) {
	err = s.withRetry(ctx, "expire", key, func(ctx context.Context) error {
		ok, err = s.inner.Expire(ctx, key, ttl)
		return err
	})
	return ok, err
}

func (s *store) RenameIfExists(ctx context.Context, src, dst string) (ok bool, err error) {
	err = s.withRetry(ctx, "rename", src, func(ctx context.Context) error {
		ok, err = s.inner.RenameIfExists(ctx, src, dst)
		return err
	})
	return ok, err
}

func (s *store) SwapKey(ctx context.Context, temp, live string) (ok bool, err error) {
	err = s.withRetry(ctx, "swap", live, func(ctx context.Context) error {
		ok, err = s.inner.SwapKey(ctx, temp, live)
		return err
	})
	return ok, err
}

func (s *store) Scan(ctx context.Context, pattern, cursor string, count int) (page kv.ScanPage, err error) {
	err = s.withRetry(ctx, "scan", pattern, func(ctx context.Context) error {
		page, err = s.inner.Scan(ctx, pattern, cursor, count)
		return err
	})
	return page, err
}

func (s *store) RunAsUnit(ctx context.Context, ops []kv.Op) error {
	first := ""
	if len(ops) > 0 {
		first = ops[0].Key
	}
	return s.withRetry(ctx, "unit", first, func(ctx context.Context) error {
		return s.inner.RunAsUnit(ctx, ops)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !kv.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
