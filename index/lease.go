package index

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/delano/familia-sub006/kv"
)

// Lease is an advisory, TTL-bounded lock held in the store. A holder that
// crashes releases it by expiry.
type Lease struct {
	store kv.Store
	key   string
	token string
	ttl   time.Duration
}

// AcquireLease claims key for ttl. When another holder owns it the error
// wraps ErrRebuildInProgress and names that holder.
func AcquireLease(ctx context.Context, store kv.Store, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := leaseToken()
	ok, err := store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("index: acquire lease %s: %w", key, err)
	}
	if !ok {
		holder, _, err := store.Get(ctx, key)
		if err != nil || holder == "" {
			holder = "unknown"
		}
		return nil, fmt.Errorf("%w: %s held by %s", ErrRebuildInProgress, key, holder)
	}
	return &Lease{store: store, key: key, token: token, ttl: ttl}, nil
}

// Key returns the store key backing the lease.
func (l *Lease) Key() string {
	return l.key
}

// Owner returns the token written by this holder.
func (l *Lease) Owner() string {
	return l.token
}

// Refresh extends the lease. It returns ErrLeaseLost once the key expired or
// holds another token.
func (l *Lease) Refresh(ctx context.Context) error {
	ok, err := l.store.CompareAndExpire(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("index: refresh lease %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("index: release lease %s: %w", l.key, err)
	}
	return nil
}

// leaseToken identifies the holder: host, pid, Go runtime and a UUIDv7.
func leaseToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return strings.Join([]string{
		host,
		strconv.Itoa(os.Getpid()),
		runtime.Version(),
		uuid.Must(uuid.NewV7()).String(),
	}, ":")
}
