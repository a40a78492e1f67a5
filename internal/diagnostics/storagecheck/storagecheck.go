// Package storagecheck probes a store for the semantics the index engine
// relies on: leases, hashes, sets, atomic units, key swaps and scans.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/xid"

	"github.com/delano/familia-sub006/kv"
)

// CheckResult is the outcome of one probe. Err is nil on success.
type CheckResult struct {
	Name string
	Err  error
}

// Result collects every probe run against one store.
type Result struct {
	Prefix string
	Checks []CheckResult
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return true
}

// Err joins the failed checks, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, c := range r.Checks {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Verify runs every probe under a fresh key prefix and removes the probe keys
// afterwards. Probe failures are reported in the result; the error return is
// reserved for a cancelled ctx.
func Verify(ctx context.Context, store kv.Store) (Result, error) {
	p := probe{store: store, prefix: "familia:verify:" + xid.New().String() + ":"}
	res := Result{Prefix: p.prefix}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"LeaseSetNX", p.lease},
		{"HashRoundTrip", p.hash},
		{"SetRoundTrip", p.set},
		{"UnitCommit", p.unit},
		{"SwapKey", p.swap},
		{"ScanPattern", p.scan},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checks = append(res.Checks, CheckResult{Name: step.name, Err: step.fn(ctx)})
	}
	res.Checks = append(res.Checks, CheckResult{Name: "Cleanup", Err: p.cleanup(context.WithoutCancel(ctx))})
	return res, nil
}

type probe struct {
	store  kv.Store
	prefix string
}

func (p probe) key(name string) string {
	return p.prefix + name
}

func (p probe) lease(ctx context.Context) error {
	key := p.key("lease")
	ok, err := p.store.SetNX(ctx, key, "a", time.Minute)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("first SetNX on %s refused", key)
	}
	if ok, err = p.store.SetNX(ctx, key, "b", time.Minute); err != nil || ok {
		return fmt.Errorf("second SetNX on %s succeeded (err %v)", key, err)
	}
	if ok, err = p.store.CompareAndExpire(ctx, key, "a", 2*time.Minute); err != nil || !ok {
		return fmt.Errorf("CompareAndExpire by holder failed (err %v)", err)
	}
	if ok, err = p.store.CompareAndDelete(ctx, key, "b"); err != nil || ok {
		return fmt.Errorf("CompareAndDelete by non-holder succeeded (err %v)", err)
	}
	if ok, err = p.store.CompareAndDelete(ctx, key, "a"); err != nil || !ok {
		return fmt.Errorf("CompareAndDelete by holder failed (err %v)", err)
	}
	return nil
}

func (p probe) hash(ctx context.Context) error {
	key := p.key("hash")
	if err := p.store.HSet(ctx, key, "f1", "v1"); err != nil {
		return err
	}
	if err := p.store.HSet(ctx, key, "f2", "v2"); err != nil {
		return err
	}
	got, err := p.store.HMGet(ctx, key, []string{"f2", "missing", "f1"})
	if err != nil {
		return err
	}
	if !slices.Equal(got, []string{"v2", "", "v1"}) {
		return fmt.Errorf("HMGet returned %q", got)
	}
	if err := p.store.HDel(ctx, key, "f1", "f2"); err != nil {
		return err
	}
	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("hash %s survived removal of its last field", key)
	}
	return nil
}

func (p probe) set(ctx context.Context) error {
	key := p.key("set")
	if err := p.store.SAdd(ctx, key, "a", "b", "c", "a"); err != nil {
		return err
	}
	n, err := p.store.SCard(ctx, key)
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("SCard = %d, want 3", n)
	}
	sample, err := p.store.SRandMember(ctx, key, 2)
	if err != nil {
		return err
	}
	if len(sample) != 2 || sample[0] == sample[1] {
		return fmt.Errorf("SRandMember returned %q", sample)
	}
	if ok, err := p.store.SIsMember(ctx, key, "z"); err != nil || ok {
		return fmt.Errorf("SIsMember reported a missing member (err %v)", err)
	}
	return nil
}

func (p probe) unit(ctx context.Context) error {
	h, s := p.key("unit:hash"), p.key("unit:set")
	if err := p.store.RunAsUnit(ctx, []kv.Op{
		kv.HSet(h, "k", "v"),
		kv.SAdd(s, "m"),
		kv.Expire(h, time.Minute),
	}); err != nil {
		return err
	}
	v, ok, err := p.store.HGet(ctx, h, "k")
	if err != nil {
		return err
	}
	if !ok || v != "v" {
		return fmt.Errorf("unit hash write missing")
	}
	if ok, err := p.store.SIsMember(ctx, s, "m"); err != nil || !ok {
		return fmt.Errorf("unit set write missing (err %v)", err)
	}
	return nil
}

func (p probe) swap(ctx context.Context) error {
	temp, live := p.key("swap:temp"), p.key("swap:live")
	if err := p.store.HSet(ctx, live, "stale", "x"); err != nil {
		return err
	}
	if err := p.store.HSet(ctx, temp, "fresh", "y"); err != nil {
		return err
	}
	ok, err := p.store.SwapKey(ctx, temp, live)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("SwapKey reported a missing temp key")
	}
	got, err := p.store.HGetAll(ctx, live)
	if err != nil {
		return err
	}
	if len(got) != 1 || got["fresh"] != "y" {
		return fmt.Errorf("live key holds %v after swap", got)
	}
	if exists, err := p.store.Exists(ctx, temp); err != nil || exists {
		return fmt.Errorf("temp key survived the swap (err %v)", err)
	}
	if ok, err = p.store.SwapKey(ctx, temp, live); err != nil || ok {
		return fmt.Errorf("SwapKey of a missing temp key reported success (err %v)", err)
	}
	return nil
}

func (p probe) scan(ctx context.Context) error {
	want := []string{p.key("scan:a"), p.key("scan:b"), p.key("scan:c")}
	for _, key := range want {
		if err := p.store.HSet(ctx, key, "f", "v"); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{})
	err := kv.ScanAll(ctx, p.store, kv.EscapePattern(p.key("scan:"))+"*", 2, func(keys []string) error {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(seen) != len(want) {
		return fmt.Errorf("scan found %d keys, want %d", len(seen), len(want))
	}
	for _, key := range want {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("scan missed %s", key)
		}
	}
	return nil
}

func (p probe) cleanup(ctx context.Context) error {
	var keys []string
	err := kv.ScanAll(ctx, p.store, kv.EscapePattern(p.prefix)+"*", 100, func(page []string) error {
		keys = append(keys, page...)
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = p.store.Del(ctx, keys...)
	return err
}
