package familia

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/internal/storage/logging"
	"github.com/delano/familia-sub006/internal/storage/memory"
	"github.com/delano/familia-sub006/internal/storage/pebble"
	"github.com/delano/familia-sub006/internal/storage/redis"
	"github.com/delano/familia-sub006/internal/storage/retry"
	"github.com/delano/familia-sub006/kv"
)

// OpenStore opens the backend named by cfg.Store and wraps it with the retry
// and logging decorators. cfg should already be validated.
func OpenStore(cfg Config, logger pslog.Logger) (kv.Store, error) {
	logger = loggingutil.EnsureLogger(logger)
	backend, sys, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	store := retry.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.retry"), clock.Real{}, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(store, logger, sys), nil
}

func openBackend(cfg Config, logger pslog.Logger) (kv.Store, string, error) {
	scheme, err := storeScheme(cfg.Store)
	if err != nil {
		return nil, "", err
	}
	switch scheme {
	case "mem":
		return memory.New(), "storage.memory", nil
	case "pebble":
		path, err := BuildPebblePath(cfg.Store)
		if err != nil {
			return nil, "", err
		}
		store, err := pebble.Open(pebble.Config{
			Path:   path,
			Sync:   cfg.PebbleSync,
			Logger: loggingutil.WithSubsystem(logger, "storage.pebble"),
		})
		if err != nil {
			return nil, "", err
		}
		return store, "storage.pebble", nil
	default:
		store, err := redis.New(redis.Config{
			URL:    cfg.Store,
			Logger: loggingutil.WithSubsystem(logger, "storage.redis"),
		})
		if err != nil {
			return nil, "", err
		}
		return store, "storage.redis", nil
	}
}

// BuildPebblePath extracts the database directory from a pebble:// URL.
func BuildPebblePath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "pebble" {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path := u.Path
	if u.Host != "" {
		// pebble://relative/dir
		path = filepath.Join(u.Host, u.Path)
	}
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return "", fmt.Errorf("pebble store path required (e.g. pebble:///var/lib/familia)")
	}
	return filepath.Clean(path), nil
}
