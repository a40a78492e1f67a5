// Package pebble implements kv.Store on an embedded Pebble LSM so a single
// process can keep indexes on local disk without an external server.
package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/tidwall/match"
	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

const (
	kindString byte = 's'
	kindHash   byte = 'h'
	kindSet    byte = 'm'

	metaPrefix byte = 0x01
	dataPrefix byte = 0x02
)

// ErrInvalidKey is returned for keys the on-disk layout cannot represent.
var ErrInvalidKey = errors.New("pebble: key contains NUL byte")

// Config captures the parameters required to open a Pebble-backed store.
type Config struct {
	// Path is the directory holding the database. Ignored by the in-memory FS
	// but still used as its root.
	Path string
	// FS overrides the filesystem; vfs.NewMem() gives a throwaway store.
	FS vfs.FS
	// Sync forces an fsync per committed write.
	Sync   bool
	Clock  clock.Clock
	Logger pslog.Logger
}

// Store implements kv.Store on Pebble. Writers serialise on a store-wide
// mutex and commit one indexed batch per call, so every mutation, including
// RunAsUnit and SwapKey, lands atomically. Readers share the same mutex, so
// Close waits for reads in flight.
type Store struct {
	db     *pebble.DB
	clock  clock.Clock
	logger pslog.Logger
	wopts  *pebble.WriteOptions

	mu sync.RWMutex
}

var _ kv.Store = (*Store)(nil)

// Open opens (creating when missing) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pebble: path required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	opts := &pebble.Options{
		FS:     cfg.FS,
		Logger: pebbleLogger{logger: logger},
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", cfg.Path, err)
	}
	wopts := pebble.NoSync
	if cfg.Sync {
		wopts = pebble.Sync
	}
	logger.Debug("pebble.open", "path", cfg.Path, "sync", cfg.Sync)
	return &Store{
		db:     db,
		clock:  clock.OrReal(cfg.Clock),
		logger: logger,
		wopts:  wopts,
	}, nil
}

// OpenMem opens a store on an in-memory filesystem.
func OpenMem(cfg Config) (*Store, error) {
	cfg.FS = vfs.NewMem()
	if cfg.Path == "" {
		cfg.Path = "familia"
	}
	return Open(cfg)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type pebbleLogger struct {
	logger pslog.Logger
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug("pebble.internal", "detail", fmt.Sprintf(format, args...))
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error("pebble.fatal", "detail", msg)
	panic(msg)
}

// layout

func metaKey(key string) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, metaPrefix)
	return append(out, key...)
}

func dataBounds(key string) (lower, upper []byte) {
	lower = make([]byte, 0, len(key)+2)
	lower = append(lower, dataPrefix)
	lower = append(lower, key...)
	upper = append(append([]byte(nil), lower...), 0x01)
	lower = append(lower, 0x00)
	return lower, upper
}

func dataKey(key, field string) []byte {
	lower, _ := dataBounds(key)
	return append(lower, field...)
}

type meta struct {
	kind      byte
	expiresAt int64
	str       string
}

func (m meta) encode() []byte {
	out := make([]byte, 9, 9+len(m.str))
	out[0] = m.kind
	binary.BigEndian.PutUint64(out[1:9], uint64(m.expiresAt))
	return append(out, m.str...)
}

func decodeMeta(raw []byte) (meta, error) {
	if len(raw) < 9 {
		return meta{}, fmt.Errorf("pebble: corrupt meta record (%d bytes)", len(raw))
	}
	return meta{
		kind:      raw[0],
		expiresAt: int64(binary.BigEndian.Uint64(raw[1:9])),
		str:       string(raw[9:]),
	}, nil
}

func (m meta) expired(now time.Time) bool {
	return m.expiresAt != 0 && now.UnixNano() >= m.expiresAt
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func validKey(key string) error {
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func loadMeta(r reader, key string, now time.Time) (meta, bool, error) {
	raw, closer, err := r.Get(metaKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, kv.NewTransientError(err)
	}
	m, err := decodeMeta(raw)
	closer.Close()
	if err != nil {
		return meta{}, false, err
	}
	if m.expired(now) {
		return meta{}, false, nil
	}
	return m, true, nil
}

func loadTyped(r reader, key string, kind byte, now time.Time) (bool, error) {
	m, ok, err := loadMeta(r, key, now)
	if err != nil || !ok {
		return false, err
	}
	if m.kind != kind {
		return false, kv.ErrWrongType
	}
	return true, nil
}

// eachData visits the fields (hash) or members (set) stored under key.
func eachData(r reader, key string, fn func(field string, value []byte) bool) error {
	lower, upper := dataBounds(key)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return kv.NewTransientError(err)
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		field := string(iter.Key()[len(lower):])
		if !fn(field, iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return kv.NewTransientError(err)
	}
	return iter.Close()
}

func countData(r reader, key string) (int64, error) {
	var n int64
	err := eachData(r, key, func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}

// reader pins the open database for one read; call release when done.
func (s *Store) reader() (reader, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, kv.ErrClosed
	}
	return s.db, s.mu.RUnlock, nil
}

// txn wraps one indexed batch; reads observe the batch's pending writes.
type txn struct {
	b   *pebble.Batch
	now time.Time
}

func (s *Store) update(fn func(tx *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	tx := &txn{b: s.db.NewIndexedBatch(), now: s.clock.Now()}
	defer tx.b.Close()
	if err := fn(tx); err != nil {
		return err
	}
	if tx.b.Empty() {
		return nil
	}
	if err := tx.b.Commit(s.wopts); err != nil {
		return kv.NewTransientError(fmt.Errorf("pebble: commit: %w", err))
	}
	return nil
}

// live returns key's meta, removing the remains of an expired key first.
func (tx *txn) live(key string) (meta, bool, error) {
	if err := validKey(key); err != nil {
		return meta{}, false, err
	}
	raw, closer, err := tx.b.Get(metaKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, kv.NewTransientError(err)
	}
	m, err := decodeMeta(raw)
	closer.Close()
	if err != nil {
		return meta{}, false, err
	}
	if m.expired(tx.now) {
		if err := tx.drop(key); err != nil {
			return meta{}, false, err
		}
		return meta{}, false, nil
	}
	return m, true, nil
}

func (tx *txn) drop(key string) error {
	if err := tx.b.Delete(metaKey(key), nil); err != nil {
		return err
	}
	lower, upper := dataBounds(key)
	return tx.b.DeleteRange(lower, upper, nil)
}

func (tx *txn) putMeta(key string, m meta) error {
	return tx.b.Set(metaKey(key), m.encode(), nil)
}

func (tx *txn) check(key string, kind byte) (meta, bool, error) {
	m, ok, err := tx.live(key)
	if err != nil || !ok {
		return m, false, err
	}
	if m.kind != kind {
		return m, false, kv.ErrWrongType
	}
	return m, true, nil
}

func (tx *txn) pruneIfEmpty(key string) error {
	n, err := countData(tx.b, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.drop(key)
	}
	return nil
}

func (tx *txn) apply(op kv.Op) error {
	switch op.Kind {
	case kv.OpHSet, kv.OpSAdd:
		kind := kindHash
		if op.Kind == kv.OpSAdd {
			kind = kindSet
		}
		_, exists, err := tx.check(op.Key, kind)
		if err != nil {
			return err
		}
		if !exists {
			if err := tx.putMeta(op.Key, meta{kind: kind}); err != nil {
				return err
			}
		}
		if op.Kind == kv.OpHSet {
			return tx.b.Set(dataKey(op.Key, op.Field), []byte(op.Value), nil)
		}
		for _, member := range op.Members {
			if err := tx.b.Set(dataKey(op.Key, member), nil, nil); err != nil {
				return err
			}
		}
		return nil
	case kv.OpHDel, kv.OpSRem:
		kind := kindHash
		if op.Kind == kv.OpSRem {
			kind = kindSet
		}
		_, exists, err := tx.check(op.Key, kind)
		if err != nil || !exists {
			return err
		}
		for _, member := range op.Members {
			if err := tx.b.Delete(dataKey(op.Key, member), nil); err != nil {
				return err
			}
		}
		return tx.pruneIfEmpty(op.Key)
	case kv.OpDel:
		if _, exists, err := tx.live(op.Key); err != nil || !exists {
			return err
		}
		return tx.drop(op.Key)
	case kv.OpExpire:
		m, exists, err := tx.live(op.Key)
		if err != nil || !exists {
			return err
		}
		m.expiresAt = 0
		if op.TTL > 0 {
			m.expiresAt = tx.now.Add(op.TTL).UnixNano()
		}
		return tx.putMeta(op.Key, m)
	default:
		return fmt.Errorf("pebble: unsupported op %s", op.Kind)
	}
}

// Get returns the plain string stored at key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	r, release, err := s.reader()
	if err != nil {
		return "", false, err
	}
	defer release()
	m, ok, err := loadMeta(r, key, s.clock.Now())
	if err != nil || !ok {
		return "", false, err
	}
	if m.kind != kindString {
		return "", false, kv.ErrWrongType
	}
	return m.str, true, nil
}

// SetNX stores value when key is absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.update(func(tx *txn) error {
		_, exists, err := tx.live(key)
		if err != nil || exists {
			return err
		}
		m := meta{kind: kindString, str: value}
		if ttl > 0 {
			m.expiresAt = tx.now.Add(ttl).UnixNano()
		}
		stored = true
		return tx.putMeta(key, m)
	})
	return stored, err
}

// CompareAndDelete removes key while it still holds expected.
func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.update(func(tx *txn) error {
		m, exists, err := tx.check(key, kindString)
		if err != nil || !exists || m.str != expected {
			return err
		}
		deleted = true
		return tx.drop(key)
	})
	return deleted, err
}

// CompareAndExpire refreshes the expiry of key while it still holds expected.
func (s *Store) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var refreshed bool
	err := s.update(func(tx *txn) error {
		m, exists, err := tx.check(key, kindString)
		if err != nil || !exists || m.str != expected {
			return err
		}
		m.expiresAt = 0
		if ttl > 0 {
			m.expiresAt = tx.now.Add(ttl).UnixNano()
		}
		refreshed = true
		return tx.putMeta(key, m)
	})
	return refreshed, err
}

// HGet returns one hash field.
func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	r, release, err := s.reader()
	if err != nil {
		return "", false, err
	}
	defer release()
	ok, err := loadTyped(r, key, kindHash, s.clock.Now())
	if err != nil || !ok {
		return "", false, err
	}
	return hashField(r, key, field)
}

func hashField(r reader, key, field string) (string, bool, error) {
	raw, closer, err := r.Get(dataKey(key, field))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, kv.NewTransientError(err)
	}
	value := string(raw)
	closer.Close()
	return value, true, nil
}

// HMGet returns one slot per field in input order.
func (s *Store) HMGet(_ context.Context, key string, fields []string) ([]string, error) {
	out := make([]string, len(fields))
	r, release, err := s.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	ok, err := loadTyped(r, key, kindHash, s.clock.Now())
	if err != nil || !ok {
		return out, err
	}
	for i, field := range fields {
		value, _, err := hashField(r, key, field)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// HGetAll returns a copy of the hash at key.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	r, release, err := s.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	ok, err := loadTyped(r, key, kindHash, s.clock.Now())
	if err != nil || !ok {
		return out, err
	}
	err = eachData(r, key, func(field string, value []byte) bool {
		out[field] = string(value)
		return true
	})
	return out, err
}

// HSet writes one hash field.
func (s *Store) HSet(_ context.Context, key, field, value string) error {
	return s.update(func(tx *txn) error {
		return tx.apply(kv.HSet(key, field, value))
	})
}

// HDel removes hash fields; the key disappears with its last field.
func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	return s.update(func(tx *txn) error {
		return tx.apply(kv.HDel(key, fields...))
	})
}

// HLen returns the number of fields in the hash at key.
func (s *Store) HLen(_ context.Context, key string) (int64, error) {
	return s.count(key, kindHash)
}

func (s *Store) count(key string, kind byte) (int64, error) {
	r, release, err := s.reader()
	if err != nil {
		return 0, err
	}
	defer release()
	ok, err := loadTyped(r, key, kind, s.clock.Now())
	if err != nil || !ok {
		return 0, err
	}
	return countData(r, key)
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.update(func(tx *txn) error {
		return tx.apply(kv.SAdd(key, members...))
	})
}

// SRem removes members; the key disappears with its last member.
func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	return s.update(func(tx *txn) error {
		return tx.apply(kv.SRem(key, members...))
	})
}

// SMembers returns the members of the set at key in lexical order.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	r, release, err := s.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	ok, err := loadTyped(r, key, kindSet, s.clock.Now())
	if err != nil || !ok {
		return nil, err
	}
	var out []string
	err = eachData(r, key, func(member string, _ []byte) bool {
		out = append(out, member)
		return true
	})
	return out, err
}

// SIsMember reports set membership.
func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	r, release, err := s.reader()
	if err != nil {
		return false, err
	}
	defer release()
	ok, err := loadTyped(r, key, kindSet, s.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	_, closer, err := r.Get(dataKey(key, member))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, kv.NewTransientError(err)
	}
	closer.Close()
	return true, nil
}

// SCard returns the set cardinality.
func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	return s.count(key, kindSet)
}

// SRandMember draws up to count distinct members.
func (s *Store) SRandMember(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	members, err := s.SMembers(ctx, key)
	if err != nil || len(members) == 0 {
		return nil, err
	}
	rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
	if count < len(members) {
		members = members[:count]
	}
	return members, nil
}

// Del removes keys and reports how many existed.
func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.update(func(tx *txn) error {
		for _, key := range keys {
			_, exists, err := tx.live(key)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := tx.drop(key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	r, release, err := s.reader()
	if err != nil {
		return false, err
	}
	defer release()
	_, ok, err := loadMeta(r, key, s.clock.Now())
	return ok, err
}

// Expire attaches ttl to key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.update(func(tx *txn) error {
		_, exists, err := tx.live(key)
		if err != nil || !exists {
			return err
		}
		ok = true
		return tx.apply(kv.Expire(key, ttl))
	})
	return ok, err
}

// RenameIfExists moves src over dst, dropping any expiry.
func (s *Store) RenameIfExists(_ context.Context, src, dst string) (bool, error) {
	var ok bool
	err := s.update(func(tx *txn) error {
		var err error
		ok, err = tx.rename(src, dst)
		return err
	})
	return ok, err
}

// SwapKey replaces live with temp in a single batch.
func (s *Store) SwapKey(_ context.Context, temp, live string) (bool, error) {
	var ok bool
	err := s.update(func(tx *txn) error {
		var err error
		ok, err = tx.rename(temp, live)
		return err
	})
	return ok, err
}

func (tx *txn) rename(src, dst string) (bool, error) {
	m, exists, err := tx.live(src)
	if err != nil || !exists {
		return false, err
	}
	if err := validKey(dst); err != nil {
		return false, err
	}
	m.expiresAt = 0
	if src == dst {
		return true, tx.putMeta(dst, m)
	}
	type pair struct {
		field string
		value []byte
	}
	var entries []pair
	err = eachData(tx.b, src, func(field string, value []byte) bool {
		entries = append(entries, pair{field: field, value: bytes.Clone(value)})
		return true
	})
	if err != nil {
		return false, err
	}
	if err := tx.drop(dst); err != nil {
		return false, err
	}
	if err := tx.putMeta(dst, m); err != nil {
		return false, err
	}
	for _, e := range entries {
		if err := tx.b.Set(dataKey(dst, e.field), e.value, nil); err != nil {
			return false, err
		}
	}
	return true, tx.drop(src)
}

// Scan walks the meta keyspace in lexical order. The cursor is the last key
// returned.
func (s *Store) Scan(_ context.Context, pattern, cursor string, count int) (kv.ScanPage, error) {
	var page kv.ScanPage
	r, release, err := s.reader()
	if err != nil {
		return page, err
	}
	defer release()
	if count <= 0 {
		count = 10
	}
	lower := []byte{metaPrefix}
	if cursor != "" {
		lower = append(metaKey(cursor), 0x00)
	}
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: []byte{dataPrefix}})
	if err != nil {
		return page, kv.NewTransientError(err)
	}
	defer iter.Close()
	now := s.clock.Now()
	for valid := iter.First(); valid; valid = iter.Next() {
		key := string(iter.Key()[1:])
		m, err := decodeMeta(iter.Value())
		if err != nil {
			return page, err
		}
		if !m.expired(now) && match.Match(key, pattern) {
			page.Keys = append(page.Keys, key)
		}
		if len(page.Keys) >= count {
			if iter.Next() {
				page.Cursor = key
			}
			break
		}
	}
	if err := iter.Error(); err != nil {
		return kv.ScanPage{}, kv.NewTransientError(err)
	}
	return page, nil
}

// RunAsUnit applies ops in one batch; a failing op discards the batch.
func (s *Store) RunAsUnit(_ context.Context, ops []kv.Op) error {
	return s.update(func(tx *txn) error {
		for _, op := range ops {
			if err := tx.apply(op); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	})
}
