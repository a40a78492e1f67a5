// Package memory implements kv.Store in-process; intended for tests, local
// development and the mem:// store URL.
package memory

import (
	"context"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/match"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/kv"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Clock drives key expiry. Defaults to the wall clock.
	Clock clock.Clock
}

type entryKind uint8

const (
	kindString entryKind = iota + 1
	kindHash
	kindSet
)

type entry struct {
	kind      entryKind
	str       string
	hash      map[string]string
	set       map[string]struct{}
	expiresAt time.Time
}

func (e *entry) size() int {
	switch e.kind {
	case kindHash:
		return len(e.hash)
	case kindSet:
		return len(e.set)
	default:
		return 1
	}
}

// Store implements kv.Store in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   clock.Clock
	closed  bool

	sortedKeys []string
	keysDirty  bool
}

var _ kv.Store = (*Store)(nil)

// New returns a ready to use in-memory store on the wall clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		entries:   make(map[string]*entry),
		clock:     clock.OrReal(cfg.Clock),
		keysDirty: true,
	}
}

// Close marks the store closed; subsequent calls fail with kv.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]*entry)
	s.keysDirty = true
	return nil
}

// lookupLocked returns the live entry for key; expired entries read as absent.
func (s *Store) lookupLocked(key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		return nil
	}
	return e
}

func (s *Store) deleteLocked(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.keysDirty = true
	return true
}

func (s *Store) putLocked(key string, e *entry) {
	if _, ok := s.entries[key]; !ok {
		s.keysDirty = true
	}
	s.entries[key] = e
}

func (s *Store) read(fn func(now time.Time) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrClosed
	}
	return fn(s.clock.Now())
}

func (s *Store) write(fn func(now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return fn(s.clock.Now())
}

func typed(e *entry, kind entryKind) (*entry, error) {
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, kv.ErrWrongType
	}
	return e, nil
}

// Get returns the plain string stored at key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindString)
		if err != nil || e == nil {
			return err
		}
		value, found = e.str, true
		return nil
	})
	return value, found, err
}

// SetNX stores value when key is absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.write(func(now time.Time) error {
		if s.lookupLocked(key, now) != nil {
			return nil
		}
		e := &entry{kind: kindString, str: value}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.putLocked(key, e)
		stored = true
		return nil
	})
	return stored, err
}

// CompareAndDelete removes key while it still holds expected.
func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.write(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindString)
		if err != nil || e == nil || e.str != expected {
			return err
		}
		deleted = s.deleteLocked(key)
		return nil
	})
	return deleted, err
}

// CompareAndExpire refreshes the expiry of key while it still holds expected.
func (s *Store) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var refreshed bool
	err := s.write(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindString)
		if err != nil || e == nil || e.str != expected {
			return err
		}
		e.expiresAt = time.Time{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		refreshed = true
		return nil
	})
	return refreshed, err
}

// HGet returns one hash field.
func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindHash)
		if err != nil || e == nil {
			return err
		}
		value, found = e.hash[field]
		return nil
	})
	return value, found, err
}

// HMGet returns one slot per field in input order.
func (s *Store) HMGet(_ context.Context, key string, fields []string) ([]string, error) {
	out := make([]string, len(fields))
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindHash)
		if err != nil || e == nil {
			return err
		}
		for i, field := range fields {
			out[i] = e.hash[field]
		}
		return nil
	})
	return out, err
}

// HGetAll returns a copy of the hash at key.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindHash)
		if err != nil || e == nil {
			return err
		}
		for k, v := range e.hash {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// HSet writes one hash field.
func (s *Store) HSet(_ context.Context, key, field, value string) error {
	return s.write(func(now time.Time) error {
		if err := s.checkKindLocked(key, kindHash, now); err != nil {
			return err
		}
		s.applyLocked(kv.HSet(key, field, value), now)
		return nil
	})
}

// HDel removes hash fields; the key disappears with its last field.
func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	return s.write(func(now time.Time) error {
		if err := s.checkKindLocked(key, kindHash, now); err != nil {
			return err
		}
		s.applyLocked(kv.HDel(key, fields...), now)
		return nil
	})
}

// HLen returns the number of fields in the hash at key.
func (s *Store) HLen(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindHash)
		if err != nil || e == nil {
			return err
		}
		n = int64(len(e.hash))
		return nil
	})
	return n, err
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	return s.write(func(now time.Time) error {
		if err := s.checkKindLocked(key, kindSet, now); err != nil {
			return err
		}
		s.applyLocked(kv.SAdd(key, members...), now)
		return nil
	})
}

// SRem removes members; the key disappears with its last member.
func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	return s.write(func(now time.Time) error {
		if err := s.checkKindLocked(key, kindSet, now); err != nil {
			return err
		}
		s.applyLocked(kv.SRem(key, members...), now)
		return nil
	})
}

// SMembers returns the members of the set at key in lexical order.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindSet)
		if err != nil || e == nil {
			return err
		}
		out = make([]string, 0, len(e.set))
		for m := range e.set {
			out = append(out, m)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// SIsMember reports set membership.
func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindSet)
		if err != nil || e == nil {
			return err
		}
		_, ok = e.set[member]
		return nil
	})
	return ok, err
}

// SCard returns the set cardinality.
func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindSet)
		if err != nil || e == nil {
			return err
		}
		n = int64(len(e.set))
		return nil
	})
	return n, err
}

// SRandMember draws up to count distinct members.
func (s *Store) SRandMember(_ context.Context, key string, count int) ([]string, error) {
	var out []string
	err := s.read(func(now time.Time) error {
		e, err := typed(s.lookupLocked(key, now), kindSet)
		if err != nil || e == nil || count <= 0 {
			return err
		}
		members := make([]string, 0, len(e.set))
		for m := range e.set {
			members = append(members, m)
		}
		rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		if count < len(members) {
			members = members[:count]
		}
		out = members
		return nil
	})
	return out, err
}

// Del removes keys and reports how many existed.
func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.write(func(now time.Time) error {
		for _, key := range keys {
			if s.lookupLocked(key, now) != nil && s.deleteLocked(key) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	var ok bool
	err := s.read(func(now time.Time) error {
		ok = s.lookupLocked(key, now) != nil
		return nil
	})
	return ok, err
}

// Expire attaches ttl to key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.write(func(now time.Time) error {
		if s.lookupLocked(key, now) == nil {
			return nil
		}
		s.applyLocked(kv.Expire(key, ttl), now)
		ok = true
		return nil
	})
	return ok, err
}

// RenameIfExists moves src over dst, dropping any expiry.
func (s *Store) RenameIfExists(_ context.Context, src, dst string) (bool, error) {
	var ok bool
	err := s.write(func(now time.Time) error {
		ok = s.renameLocked(src, dst, now)
		return nil
	})
	return ok, err
}

// SwapKey replaces live with temp inside one critical section.
func (s *Store) SwapKey(_ context.Context, temp, live string) (bool, error) {
	var ok bool
	err := s.write(func(now time.Time) error {
		ok = s.renameLocked(temp, live, now)
		return nil
	})
	return ok, err
}

func (s *Store) renameLocked(src, dst string, now time.Time) bool {
	e := s.lookupLocked(src, now)
	if e == nil {
		return false
	}
	s.deleteLocked(src)
	if src == dst {
		e.expiresAt = time.Time{}
		s.putLocked(dst, e)
		return true
	}
	e.expiresAt = time.Time{}
	s.deleteLocked(dst)
	s.putLocked(dst, e)
	return true
}

// Scan walks keys in lexical order. The cursor is the last key returned.
func (s *Store) Scan(_ context.Context, pattern, cursor string, count int) (kv.ScanPage, error) {
	var page kv.ScanPage
	err := s.write(func(now time.Time) error {
		if count <= 0 {
			count = 10
		}
		keys := s.sortedKeysLocked()
		start := 0
		if cursor != "" {
			start = sort.Search(len(keys), func(i int) bool { return keys[i] > cursor })
		}
		for idx := start; idx < len(keys); idx++ {
			key := keys[idx]
			if s.lookupLocked(key, now) != nil && match.Match(key, pattern) {
				page.Keys = append(page.Keys, key)
			}
			if len(page.Keys) >= count {
				if idx+1 < len(keys) {
					page.Cursor = key
				}
				break
			}
		}
		return nil
	})
	return page, err
}

func (s *Store) sortedKeysLocked() []string {
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.entries {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	return s.sortedKeys
}

// RunAsUnit validates every op before applying any of them.
func (s *Store) RunAsUnit(_ context.Context, ops []kv.Op) error {
	return s.write(func(now time.Time) error {
		// pending tracks each key's kind as the unit leaves it; 0 marks a
		// key deleted earlier in the unit.
		pending := make(map[string]entryKind)
		for _, op := range ops {
			if op.Kind == kv.OpDel {
				pending[op.Key] = 0
				continue
			}
			want, ok := opKind(op.Kind)
			if !ok {
				continue
			}
			if kind, seen := pending[op.Key]; seen {
				if kind == 0 {
					pending[op.Key] = want
				} else if kind != want {
					return kv.ErrWrongType
				}
				continue
			}
			if err := s.checkKindLocked(op.Key, want, now); err != nil {
				return err
			}
			pending[op.Key] = want
		}
		for _, op := range ops {
			s.applyLocked(op, now)
		}
		return nil
	})
}

func opKind(kind kv.OpKind) (entryKind, bool) {
	switch kind {
	case kv.OpHSet, kv.OpHDel:
		return kindHash, true
	case kv.OpSAdd, kv.OpSRem:
		return kindSet, true
	default:
		return 0, false
	}
}

func (s *Store) checkKindLocked(key string, kind entryKind, now time.Time) error {
	e := s.lookupLocked(key, now)
	if e != nil && e.kind != kind {
		return kv.ErrWrongType
	}
	return nil
}

func (s *Store) applyLocked(op kv.Op, now time.Time) {
	e := s.lookupLocked(op.Key, now)
	switch op.Kind {
	case kv.OpHSet:
		if e == nil {
			e = &entry{kind: kindHash, hash: make(map[string]string)}
			s.putLocked(op.Key, e)
		}
		e.hash[op.Field] = op.Value
	case kv.OpHDel:
		if e == nil {
			return
		}
		for _, field := range op.Members {
			delete(e.hash, field)
		}
	case kv.OpSAdd:
		if e == nil {
			e = &entry{kind: kindSet, set: make(map[string]struct{})}
			s.putLocked(op.Key, e)
		}
		for _, m := range op.Members {
			e.set[m] = struct{}{}
		}
	case kv.OpSRem:
		if e == nil {
			return
		}
		for _, m := range op.Members {
			delete(e.set, m)
		}
	case kv.OpDel:
		s.deleteLocked(op.Key)
		return
	case kv.OpExpire:
		if e == nil {
			return
		}
		if op.TTL > 0 {
			e.expiresAt = now.Add(op.TTL)
		} else {
			e.expiresAt = time.Time{}
		}
		return
	}
	if e != nil && e.size() == 0 {
		s.deleteLocked(op.Key)
	}
}

// Stats summarises the store contents; used by tests and the CLI.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	stats := map[string]int{}
	for key := range s.entries {
		e := s.lookupLocked(key, now)
		if e == nil {
			continue
		}
		switch e.kind {
		case kindHash:
			stats["hash"]++
		case kindSet:
			stats["set"]++
		default:
			stats["string"]++
		}
	}
	return stats
}

func (s *Store) String() string {
	stats := s.Stats()
	parts := make([]string, 0, len(stats))
	for _, k := range []string{"hash", "set", "string"} {
		parts = append(parts, k+"="+strconv.Itoa(stats[k]))
	}
	return "memory(" + strings.Join(parts, " ") + ")"
}
