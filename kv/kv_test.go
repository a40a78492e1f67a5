package kv_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delano/familia-sub006/internal/storage/memory"
	"github.com/delano/familia-sub006/kv"
)

func TestEscapePattern(t *testing.T) {
	cases := map[string]string{
		"plain":         "plain",
		"a*b":           `a\*b`,
		"q?":            `q\?`,
		"[x]":           `\[x\]`,
		`back\slash`:    `back\\slash`,
		"café:ünïcode": "café:ünïcode",
	}
	for in, want := range cases {
		require.Equal(t, want, kv.EscapePattern(in), in)
	}
}

func TestEscapedPatternMatchesLiterally(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.HSet(ctx, "user:a*b:object", "f", "1"))
	require.NoError(t, store.HSet(ctx, "user:axb:object", "f", "1"))

	var got []string
	err := kv.ScanAll(ctx, store, "user:"+kv.EscapePattern("a*b")+":object", 10, func(keys []string) error {
		got = append(got, keys...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"user:a*b:object"}, got)
}

func TestScanAllVisitsEveryPage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	want := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("item:%02d", i)
		require.NoError(t, store.SAdd(ctx, key, "m"))
		want = append(want, key)
	}

	var got []string
	err := kv.ScanAll(ctx, store, "item:*", 4, func(keys []string) error {
		require.NotEmpty(t, keys)
		got = append(got, keys...)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)
	require.Equal(t, want, got)
}

func TestScanAllStopsOnVisitError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SAdd(ctx, fmt.Sprintf("k:%d", i), "m"))
	}
	boom := errors.New("boom")
	calls := 0
	err := kv.ScanAll(ctx, store, "k:*", 1, func([]string) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestScanAllHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := kv.ScanAll(ctx, memory.New(), "*", 10, func([]string) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecWithoutUnitWritesImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, kv.Exec(ctx, store, kv.HSet("h", "f", "v"), kv.SAdd("s", "a", "b")))

	v, ok, err := store.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
	n, err := store.SCard(ctx, "s")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, kv.Exec(ctx, store))
}

func TestAtomicallyDefersWritesUntilCommit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	err := kv.Atomically(ctx, store, func(ctx context.Context) error {
		require.True(t, kv.InUnit(ctx))
		require.NoError(t, kv.Exec(ctx, store, kv.HSet("h", "f", "v")))
		_, ok, err := store.HGet(ctx, "h", "f")
		require.NoError(t, err)
		require.False(t, ok, "write must stay queued inside the unit")
		return kv.Atomically(ctx, store, func(inner context.Context) error {
			return kv.Exec(inner, store, kv.SAdd("s", "x"))
		})
	})
	require.NoError(t, err)

	_, ok, err := store.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.True(t, ok)
	member, err := store.SIsMember(ctx, "s", "x")
	require.NoError(t, err)
	require.True(t, member)
}

func TestAtomicallyDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	boom := errors.New("boom")

	err := kv.Atomically(ctx, store, func(ctx context.Context) error {
		require.NoError(t, kv.Exec(ctx, store, kv.HSet("h", "f", "v")))
		return boom
	})
	require.ErrorIs(t, err, boom)
	exists, err := store.Exists(ctx, "h")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUnitFromNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	_, ok := kv.UnitFrom(nil)
	require.False(t, ok)
	require.False(t, kv.InUnit(context.Background()))
}

func TestTransientErrors(t *testing.T) {
	base := errors.New("connection reset")
	require.Nil(t, kv.NewTransientError(nil))

	err := kv.NewTransientError(base)
	require.True(t, kv.IsTransient(err))
	require.ErrorIs(t, err, base)
	require.Equal(t, base.Error(), err.Error())

	wrapped := fmt.Errorf("hset: %w", err)
	require.True(t, kv.IsTransient(wrapped))
	require.False(t, kv.IsTransient(base))
	require.False(t, kv.IsTransient(nil))
}

func TestOpString(t *testing.T) {
	require.Equal(t, "hset h f", kv.HSet("h", "f", "v").String())
	require.Equal(t, "srem s (2)", kv.SRem("s", "a", "b").String())
	require.Equal(t, "del k", kv.Del("k").String())
	require.Equal(t, "op(99)", kv.OpKind(99).String())
}
