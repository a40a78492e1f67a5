package familia

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/delano/familia-sub006/index"
)

const (
	// DefaultStore points at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultBatchSize bounds the candidates processed per rebuild batch.
	DefaultBatchSize = index.DefaultBatchSize
	// DefaultTempKeyTTL is the expiry attached to rebuild temp keys.
	DefaultTempKeyTTL = index.DefaultTempKeyTTL
	// DefaultLockTTL bounds how long a crashed rebuild blocks the next one.
	DefaultLockTTL = index.DefaultLockTTL
	// DefaultFenceTTL bounds the writer fence raised around a swap.
	DefaultFenceTTL = index.DefaultFenceTTL
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStorageRetryMaxAttempts is one attempt: the engine never retries
	// unless told to.
	DefaultStorageRetryMaxAttempts = 1
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultSchemaFileName is the schema file looked up in DefaultConfigDir.
	DefaultSchemaFileName = "schema.yaml"
)

// Config captures everything needed to open a store and run the index
// engine against it.
type Config struct {
	// Store is a backend URL: mem://, pebble:///path or redis://host:port/db.
	Store string
	// PebbleSync fsyncs every pebble commit.
	PebbleSync bool
	// Schema is the YAML schema describing classes and indexes.
	Schema string

	BatchSize  int
	TempKeyTTL time.Duration
	LockTTL    time.Duration
	// FenceWriters makes runtime index writes fail fast while a rebuild swaps.
	FenceWriters bool
	FenceTTL     time.Duration

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the initial retry delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay bounds the retry delay.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier scales the delay after each failure.
	StorageRetryMultiplier float64

	// MetricsListen exposes Prometheus metrics when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint ships traces to a collector when set.
	OTLPEndpoint string
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := storeScheme(c.Store); err != nil {
		return err
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	} else if c.BatchSize < 0 {
		return fmt.Errorf("config: batch size must be > 0")
	}
	if c.TempKeyTTL == 0 {
		c.TempKeyTTL = DefaultTempKeyTTL
	} else if c.TempKeyTTL < 0 {
		return fmt.Errorf("config: temp key ttl must be > 0")
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be > 0")
	}
	if c.FenceTTL == 0 {
		c.FenceTTL = DefaultFenceTTL
	} else if c.FenceTTL < 0 {
		return fmt.Errorf("config: fence ttl must be > 0")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay %s below base delay %s", c.StorageRetryMaxDelay, c.StorageRetryBaseDelay)
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func storeScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: parse store URL: %w", err)
	}
	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "mem", "memory", "":
		return "mem", nil
	case "pebble", "redis", "rediss":
		return scheme, nil
	default:
		return "", fmt.Errorf("config: store scheme %q not supported (mem, pebble, redis)", u.Scheme)
	}
}

// DefaultConfigDir returns $FAMILIA_CONFIG_DIR or ~/.familia.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FAMILIA_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".familia"), nil
}
