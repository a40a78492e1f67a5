// Package kv defines the key-value store contract consumed by the index
// engine and the object layer. Backends live under internal/storage and are
// selected by familia.OpenStore.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested key or field is missing.
	ErrNotFound = errors.New("kv: not found")
	// ErrNoSuchKey is returned by rename-style operations when the source key
	// does not exist.
	ErrNoSuchKey = errors.New("kv: no such key")
	// ErrWrongType indicates a hash operation against a set key or vice versa.
	ErrWrongType = errors.New("kv: wrong type")
	// ErrClosed is returned once a store has been closed.
	ErrClosed = errors.New("kv: store closed")
)

// ScanPage captures one page of a cursor-based key scan.
type ScanPage struct {
	Keys []string
	// Cursor resumes the scan. Empty once the keyspace is exhausted.
	Cursor string
}

// Store is the storage contract expected by the index engine. Every method is
// a blocking round trip and must be safe for concurrent use.
//
// Hash and set keys never exist empty: removing the last field or member
// removes the key, matching the behaviour of the reference backend.
type Store interface {
	// Get returns the plain string value stored at key.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX stores value at key only when key does not exist. A positive ttl
	// attaches an expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire refreshes the expiry of key only while it still holds
	// expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HMGet returns one slot per field in input order; missing fields yield "".
	HMGet(ctx context.Context, key string, fields []string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	// SRandMember draws up to count distinct members in O(count).
	SRandMember(ctx context.Context, key string, count int) ([]string, error)

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// RenameIfExists moves src onto dst, replacing dst. It reports false when
	// src does not exist. The destination keeps no expiry.
	RenameIfExists(ctx context.Context, src, dst string) (bool, error)
	// SwapKey atomically replaces live with the contents of temp and removes
	// temp. Readers never observe live as absent during the swap. It reports
	// false, leaving live untouched, when temp does not exist.
	SwapKey(ctx context.Context, temp, live string) (bool, error)

	// Scan returns a page of keys matching the glob pattern, resuming from
	// cursor ("" starts a new scan). Count is a hint for the page size.
	Scan(ctx context.Context, pattern, cursor string, count int) (ScanPage, error)

	// RunAsUnit applies ops all-or-nothing relative to other units.
	RunAsUnit(ctx context.Context, ops []Op) error

	Close() error
}

// ScanAll walks every page of a pattern scan, handing each non-empty page to
// visit. Memory stays bounded by the page size.
func ScanAll(ctx context.Context, store Store, pattern string, count int, visit func(keys []string) error) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := store.Scan(ctx, pattern, cursor, count)
		if err != nil {
			return err
		}
		if len(page.Keys) > 0 {
			if err := visit(page.Keys); err != nil {
				return err
			}
		}
		if page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}

// EscapePattern quotes glob metacharacters so s matches literally.
func EscapePattern(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
