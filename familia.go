package familia

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
	"github.com/delano/familia-sub006/model"
)

// Instance bundles an opened store with the repository and index engine
// described by a schema.
type Instance struct {
	Store      kv.Store
	Schema     *model.Schema
	Repository *model.Repository
	Engine     *index.Engine
	logger     pslog.Logger
}

// Open validates cfg, loads cfg.Schema and opens cfg.Store.
func Open(ctx context.Context, cfg Config, logger pslog.Logger) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Schema) == "" {
		return nil, fmt.Errorf("config: schema file required")
	}
	schema, err := model.LoadSchemaFile(cfg.Schema)
	if err != nil {
		return nil, err
	}
	return OpenWithSchema(ctx, cfg, schema, logger)
}

// OpenWithSchema is Open with an already parsed schema. cfg is validated.
func OpenWithSchema(ctx context.Context, cfg Config, schema *model.Schema, logger pslog.Logger) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("config: schema required")
	}
	logger = loggingutil.EnsureLogger(logger)
	registry, err := schema.Registry()
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	repo, err := schema.Repository(store, loggingutil.WithSubsystem(logger, "model"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := index.New(index.Config{
		Store:        store,
		Host:         repo,
		Registry:     registry,
		Logger:       logger,
		BatchSize:    cfg.BatchSize,
		TempKeyTTL:   cfg.TempKeyTTL,
		LockTTL:      cfg.LockTTL,
		FenceWriters: cfg.FenceWriters,
		FenceTTL:     cfg.FenceTTL,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Debug("familia.open",
		"store", cfg.Store,
		"classes", len(schema.Classes),
		"indexes", len(registry.All()),
	)
	return &Instance{
		Store:      store,
		Schema:     schema,
		Repository: repo,
		Engine:     engine,
		logger:     logger,
	}, nil
}

// Scope loads the scope object for rel, or returns nil for class-level
// indexes. A missing scope object is an error.
func (i *Instance) Scope(ctx context.Context, rel index.Relationship, scopeID string) (index.Object, error) {
	if !rel.Scoped() {
		if scopeID != "" {
			return nil, fmt.Errorf("%w: %s is class-level, scope %q not accepted", index.ErrConfiguration, rel.ID(), scopeID)
		}
		return nil, nil
	}
	if scopeID == "" {
		return nil, fmt.Errorf("%w: %s is scoped to %s, scope id required", index.ErrConfiguration, rel.ID(), rel.ScopeClass)
	}
	obj, ok, err := i.Repository.Load(ctx, rel.ScopeClass, scopeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %q not found", rel.ScopeClass, scopeID)
	}
	return obj, nil
}

// Close releases the store.
func (i *Instance) Close() error {
	if i == nil || i.Store == nil {
		return nil
	}
	if err := i.Store.Close(); err != nil && !errors.Is(err, kv.ErrClosed) {
		i.logger.Warn("familia.close.error", "error", err)
		return err
	}
	return nil
}
