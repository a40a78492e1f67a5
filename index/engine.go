package index

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/internal/clock"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

const (
	// DefaultBatchSize bounds the candidates processed per rebuild batch.
	DefaultBatchSize = 100
	// DefaultTempKeyTTL is the expiry attached to rebuild temp keys; it is
	// refreshed after every batch.
	DefaultTempKeyTTL = 24 * time.Hour
	// DefaultLockTTL bounds how long a crashed rebuild can block the next one.
	DefaultLockTTL = 2 * time.Hour
	// DefaultFenceTTL bounds the writer fence held around the swap.
	DefaultFenceTTL = 30 * time.Second
)

// Object is the indexed view of a host object.
type Object interface {
	Identifier() string
	// FieldValue returns the string form of field, false when unset.
	FieldValue(field string) (string, bool)
}

// Loader hydrates identifiers. Identifiers without a backing record
// (tombstones) are omitted from the result without error.
type Loader interface {
	LoadMany(ctx context.Context, class string, ids []string) ([]Object, error)
}

// Collections describes the key layout and discovery collections of the host
// object layer. A false second result means the host does not offer it.
type Collections interface {
	// KeyPrefix is the namespace of class keys.
	KeyPrefix(class string) (string, bool)
	// InstancesKey names the set of every live identifier of class.
	InstancesKey(class string) (string, bool)
	// ParticipationKey names the set, owned by one scope object, that holds
	// the identifiers of indexedClass participating in it.
	ParticipationKey(scopeClass, scopeID, indexedClass string) (string, bool)
	// ObjectKeyPattern is a glob matching every stored object of class.
	ObjectKeyPattern(class string) (string, bool)
	// IdentifierFromKey extracts the identifier from a matched object key.
	IdentifierFromKey(class, key string) (string, bool)
}

// Host is everything the engine consumes from the object layer.
type Host interface {
	Loader
	Collections
}

// Config wires an Engine.
type Config struct {
	Store    kv.Store
	Host     Host
	Registry *Registry
	Logger   pslog.Logger
	Clock    clock.Clock

	BatchSize  int
	TempKeyTTL time.Duration
	LockTTL    time.Duration
	// FenceWriters makes runtime mutations fail with ErrFenced while a
	// rebuild swaps the same index.
	FenceWriters bool
	FenceTTL     time.Duration
}

// Engine binds registered relationships to a store and host.
type Engine struct {
	store    kv.Store
	host     Host
	registry *Registry
	logger   pslog.Logger
	clock    clock.Clock
	metrics  *metrics
	cfg      Config
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("index: store required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("index: host required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TempKeyTTL <= 0 {
		cfg.TempKeyTTL = DefaultTempKeyTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.FenceTTL <= 0 {
		cfg.FenceTTL = DefaultFenceTTL
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Engine{
		store:    cfg.Store,
		host:     cfg.Host,
		registry: cfg.Registry,
		logger:   logger,
		clock:    clock.OrReal(cfg.Clock),
		metrics:  newMetrics(logger),
		cfg:      cfg,
	}, nil
}

// Registry returns the registry the engine resolves names against.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the underlying store.
func (e *Engine) Store() kv.Store {
	return e.store
}

// Unique returns the unique index registered as (class, name).
func (e *Engine) Unique(class, name string) (*UniqueIndex, error) {
	rel, err := e.registry.Lookup(class, name)
	if err != nil {
		return nil, err
	}
	return e.UniqueFor(rel)
}

// UniqueFor returns the unique index view over rel.
func (e *Engine) UniqueFor(rel Relationship) (*UniqueIndex, error) {
	if rel.Cardinality != Unique {
		return nil, configErr(rel, "not a unique index")
	}
	return &UniqueIndex{
		eng:    e,
		rel:    rel,
		logger: loggingutil.WithSubsystem(e.logger, "index.unique").With("index", rel.ID()),
	}, nil
}

// Multi returns the multi index registered as (class, name).
func (e *Engine) Multi(class, name string) (*MultiIndex, error) {
	rel, err := e.registry.Lookup(class, name)
	if err != nil {
		return nil, err
	}
	return e.MultiFor(rel)
}

// MultiFor returns the multi index view over rel.
func (e *Engine) MultiFor(rel Relationship) (*MultiIndex, error) {
	if rel.Cardinality != Multi {
		return nil, configErr(rel, "not a multi index")
	}
	return &MultiIndex{
		eng:    e,
		rel:    rel,
		logger: loggingutil.WithSubsystem(e.logger, "index.multi").With("index", rel.ID()),
	}, nil
}

// Rebuilder returns the rebuild orchestrator bound to the engine.
func (e *Engine) Rebuilder() *Rebuilder {
	return &Rebuilder{
		eng:    e,
		logger: loggingutil.WithSubsystem(e.logger, "index.rebuild"),
	}
}

// checkFence fails fast while a rebuild holds the writer fence for rel.
func (e *Engine) checkFence(ctx context.Context, k keys) error {
	if !e.cfg.FenceWriters {
		return nil
	}
	fenced, err := e.store.Exists(ctx, k.fence)
	if err != nil {
		return err
	}
	if fenced {
		return fmt.Errorf("%w: %s", ErrFenced, k.live)
	}
	return nil
}
