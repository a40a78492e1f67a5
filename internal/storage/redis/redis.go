// Package redis implements kv.Store on a Redis server (or anything speaking
// the protocol). Multi-key invariants are enforced with server-side scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

// Config captures the parameters required to reach a Redis server.
type Config struct {
	// URL is a redis:// or rediss:// URL as accepted by go-redis ParseURL.
	URL string
	// Client overrides URL with a pre-built client.
	Client goredis.UniversalClient
	Logger pslog.Logger
}

// Store implements kv.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	logger pslog.Logger
	owned  bool
}

var _ kv.Store = (*Store)(nil)

var (
	swapScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if KEYS[1] ~= KEYS[2] then
  redis.call('RENAME', KEYS[1], KEYS[2])
end
redis.call('PERSIST', KEYS[2])
return 1
`)

	compareAndDeleteScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	compareAndExpireScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`)

	// unitScript receives one key per op and a flat ARGV stream of
	// kind, argc, args... tuples. All type checks run before any write; a
	// del frees its key for any type later in the unit.
	unitScript = goredis.NewScript(`
local want = {hset='hash', hdel='hash', sadd='set', srem='set'}
local ops = {}
local pos = 1
for i = 1, #KEYS do
  local kind = ARGV[pos]
  local argc = tonumber(ARGV[pos + 1])
  local args = {}
  for j = 1, argc do
    args[j] = ARGV[pos + 1 + j]
  end
  pos = pos + 2 + argc
  ops[i] = {kind = kind, args = args}
end
local seen = {}
for i = 1, #KEYS do
  local expect = want[ops[i].kind]
  if ops[i].kind == 'del' then
    seen[KEYS[i]] = 'none'
  elseif expect then
    local actual = seen[KEYS[i]]
    if actual == nil then
      actual = redis.call('TYPE', KEYS[i])['ok']
    end
    if actual == 'none' then
      actual = expect
    end
    seen[KEYS[i]] = actual
    if actual ~= expect then
      return redis.error_reply('WRONGTYPE Operation against a key holding the wrong kind of value')
    end
  end
end
for i = 1, #KEYS do
  local op = ops[i]
  local key = KEYS[i]
  if op.kind == 'hset' then
    redis.call('HSET', key, op.args[1], op.args[2])
  elseif op.kind == 'hdel' then
    if #op.args > 0 then redis.call('HDEL', key, unpack(op.args)) end
  elseif op.kind == 'sadd' then
    if #op.args > 0 then redis.call('SADD', key, unpack(op.args)) end
  elseif op.kind == 'srem' then
    if #op.args > 0 then redis.call('SREM', key, unpack(op.args)) end
  elseif op.kind == 'del' then
    redis.call('DEL', key)
  elseif op.kind == 'expire' then
    local ttl = tonumber(op.args[1])
    if ttl > 0 then
      redis.call('PEXPIRE', key, ttl)
    else
      redis.call('PERSIST', key)
    end
  end
end
return #KEYS
`)
)

// New connects to the server described by cfg.
func New(cfg Config) (*Store, error) {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if cfg.Client != nil {
		return &Store{client: cfg.Client, logger: logger}, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis: url required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	logger.Debug("redis.open", "addr", opts.Addr, "db", opts.DB)
	return &Store{client: goredis.NewClient(opts), logger: logger, owned: true}, nil
}

// Client exposes the underlying go-redis client.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.ErrClosed):
		return kv.ErrClosed
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return fmt.Errorf("%w: %v", kv.ErrWrongType, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return kv.NewTransientError(fmt.Errorf("redis: %w", err))
	}
	return fmt.Errorf("redis: %w", err)
}

// Get returns the plain string stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return value, true, nil
}

// SetNX stores value when key is absent.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, mapErr(err)
}

// CompareAndDelete removes key while it still holds expected.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	return n > 0, mapErr(err)
}

// CompareAndExpire refreshes the expiry of key while it still holds expected.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	return n > 0, mapErr(err)
}

// HGet returns one hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	value, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return value, true, nil
}

// HMGet returns one slot per field in input order.
func (s *Store) HMGet(ctx context.Context, key string, fields []string) ([]string, error) {
	out := make([]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	values, err := s.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok && i < len(out) {
			out[i] = str
		}
	}
	return out, nil
}

// HGetAll returns the hash at key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, key).Result()
	return out, mapErr(err)
}

// HSet writes one hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return mapErr(s.client.HSet(ctx, key, field, value).Err())
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return mapErr(s.client.HDel(ctx, key, fields...).Err())
}

// HLen returns the number of fields in the hash at key.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	return n, mapErr(err)
}

func toArgs(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return mapErr(s.client.SAdd(ctx, key, toArgs(members)...).Err())
}

// SRem removes members from the set at key.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return mapErr(s.client.SRem(ctx, key, toArgs(members)...).Err())
}

// SMembers returns the members of the set at key.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.SMembers(ctx, key).Result()
	return out, mapErr(err)
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	return ok, mapErr(err)
}

// SCard returns the set cardinality.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	return n, mapErr(err)
}

// SRandMember draws up to count distinct members.
func (s *Store) SRandMember(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	out, err := s.client.SRandMemberN(ctx, key, int64(count)).Result()
	return out, mapErr(err)
}

// Del removes keys and reports how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return n, mapErr(err)
}

// Exists reports whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, mapErr(err)
}

// Expire attaches ttl to key; a non-positive ttl clears the expiry.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		exists, err := s.Exists(ctx, key)
		if err != nil || !exists {
			return false, err
		}
		return true, mapErr(s.client.Persist(ctx, key).Err())
	}
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	return ok, mapErr(err)
}

// RenameIfExists moves src over dst, dropping any expiry.
func (s *Store) RenameIfExists(ctx context.Context, src, dst string) (bool, error) {
	return s.swap(ctx, src, dst)
}

// SwapKey replaces live with temp inside one script invocation.
func (s *Store) SwapKey(ctx context.Context, temp, live string) (bool, error) {
	return s.swap(ctx, temp, live)
}

func (s *Store) swap(ctx context.Context, src, dst string) (bool, error) {
	n, err := swapScript.Run(ctx, s.client, []string{src, dst}).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Scan issues one SCAN call. Redis may return a key more than once across a
// full iteration.
func (s *Store) Scan(ctx context.Context, pattern, cursor string, count int) (kv.ScanPage, error) {
	var start uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return kv.ScanPage{}, fmt.Errorf("redis: invalid scan cursor %q: %w", cursor, err)
		}
		start = parsed
	}
	if count <= 0 {
		count = 10
	}
	keys, next, err := s.client.Scan(ctx, start, pattern, int64(count)).Result()
	if err != nil {
		return kv.ScanPage{}, mapErr(err)
	}
	page := kv.ScanPage{Keys: keys}
	if next != 0 {
		page.Cursor = strconv.FormatUint(next, 10)
	}
	return page, nil
}

// RunAsUnit applies ops in one script invocation.
func (s *Store) RunAsUnit(ctx context.Context, ops []kv.Op) error {
	if len(ops) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ops))
	args := make([]any, 0, len(ops)*4)
	for _, op := range ops {
		keys = append(keys, op.Key)
		switch op.Kind {
		case kv.OpHSet:
			args = append(args, op.Kind.String(), 2, op.Field, op.Value)
		case kv.OpHDel, kv.OpSAdd, kv.OpSRem:
			args = append(args, op.Kind.String(), len(op.Members))
			args = append(args, toArgs(op.Members)...)
		case kv.OpDel:
			args = append(args, op.Kind.String(), 0)
		case kv.OpExpire:
			args = append(args, op.Kind.String(), 1, op.TTL.Milliseconds())
		default:
			return fmt.Errorf("redis: unsupported op %s", op.Kind)
		}
	}
	return mapErr(unitScript.Run(ctx, s.client, keys, args...).Err())
}
