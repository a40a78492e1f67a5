package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/delano/familia-sub006/kv"
)

// Strategy names a candidate discovery strategy.
type Strategy string

const (
	// StrategyAuto picks participation for scoped indexes, instances for
	// class-wide ones, and falls back to scan.
	StrategyAuto          Strategy = ""
	StrategyInstances     Strategy = "instances"
	StrategyParticipation Strategy = "participation"
	StrategyScan          Strategy = "scan"
)

// ParseStrategy parses a strategy name; "" and "auto" select StrategyAuto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", "auto":
		return StrategyAuto, nil
	case StrategyInstances:
		return StrategyInstances, nil
	case StrategyParticipation:
		return StrategyParticipation, nil
	case StrategyScan:
		return StrategyScan, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, s)
	}
}

func (s Strategy) String() string {
	if s == StrategyAuto {
		return "auto"
	}
	return string(s)
}

// Cursor streams candidate identifiers. Next returns an empty slice once the
// source is exhausted.
type Cursor interface {
	// Total is the candidate count when known up front, else 0.
	Total() int64
	Next(ctx context.Context, max int) ([]string, error)
}

// source is a restartable candidate stream chosen for one rebuild.
type source struct {
	strategy Strategy
	open     func(ctx context.Context) (Cursor, error)
	// filter narrows each raw batch; used by scan to honour the scope.
	filter func(ctx context.Context, ids []string) ([]string, error)
	// tolerant batches are logged and skipped on failure.
	tolerant bool
}

// selectSource resolves strategy against what the host exposes. It performs
// no I/O; an unavailable collection is a ConfigError.
func (e *Engine) selectSource(rel Relationship, scope Object, strategy Strategy) (source, error) {
	if strategy == StrategyAuto {
		switch {
		case rel.Scoped() && e.hasParticipation(rel, scope):
			strategy = StrategyParticipation
		case !rel.Scoped() && e.hasInstances(rel):
			strategy = StrategyInstances
		default:
			strategy = StrategyScan
		}
	}
	switch strategy {
	case StrategyInstances:
		if rel.Scoped() {
			return source{}, configErr(rel, "instances strategy cannot serve a scoped index")
		}
		key, ok := e.host.InstancesKey(rel.IndexedClass)
		if !ok {
			return source{}, configErr(rel, "host exposes no instances collection for %s", rel.IndexedClass)
		}
		return e.setSource(StrategyInstances, key), nil
	case StrategyParticipation:
		if !rel.Scoped() {
			return source{}, configErr(rel, "participation strategy requires a scoped index")
		}
		key, ok := e.host.ParticipationKey(rel.ScopeClass, scope.Identifier(), rel.IndexedClass)
		if !ok {
			return source{}, configErr(rel, "%s exposes no participation collection for %s", rel.ScopeClass, rel.IndexedClass)
		}
		return e.setSource(StrategyParticipation, key), nil
	case StrategyScan:
		pattern, ok := e.host.ObjectKeyPattern(rel.IndexedClass)
		if !ok {
			return source{}, configErr(rel, "host exposes no object key pattern for %s", rel.IndexedClass)
		}
		src := source{
			strategy: StrategyScan,
			tolerant: true,
			open: func(context.Context) (Cursor, error) {
				return &scanCursor{store: e.store, host: e.host, class: rel.IndexedClass, pattern: pattern}, nil
			},
		}
		if rel.Scoped() {
			key, ok := e.host.ParticipationKey(rel.ScopeClass, scope.Identifier(), rel.IndexedClass)
			if !ok {
				return source{}, configErr(rel, "scan of a scoped index needs the %s participation collection to filter by", rel.ScopeClass)
			}
			src.filter = e.membershipFilter(key)
		}
		return src, nil
	default:
		return source{}, configErr(rel, "unknown strategy %q", string(strategy))
	}
}

func (e *Engine) hasInstances(rel Relationship) bool {
	_, ok := e.host.InstancesKey(rel.IndexedClass)
	return ok
}

func (e *Engine) hasParticipation(rel Relationship, scope Object) bool {
	if scope == nil {
		return false
	}
	_, ok := e.host.ParticipationKey(rel.ScopeClass, scope.Identifier(), rel.IndexedClass)
	return ok
}

func (e *Engine) setSource(strategy Strategy, key string) source {
	return source{
		strategy: strategy,
		open: func(ctx context.Context) (Cursor, error) {
			members, err := e.store.SMembers(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("index: read %s collection %s: %w", strategy, key, err)
			}
			return &sliceCursor{ids: members}, nil
		},
	}
}

func (e *Engine) membershipFilter(key string) func(ctx context.Context, ids []string) ([]string, error) {
	return func(ctx context.Context, ids []string) ([]string, error) {
		kept := ids[:0:0]
		for _, id := range ids {
			ok, err := e.store.SIsMember(ctx, key, id)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, id)
			}
		}
		return kept, nil
	}
}

type sliceCursor struct {
	ids []string
	pos int
}

func (c *sliceCursor) Total() int64 {
	return int64(len(c.ids))
}

func (c *sliceCursor) Next(_ context.Context, max int) ([]string, error) {
	if c.pos >= len(c.ids) {
		return nil, nil
	}
	end := c.pos + max
	if end > len(c.ids) {
		end = len(c.ids)
	}
	out := c.ids[c.pos:end]
	c.pos = end
	return out, nil
}

// scanCursor pages through the object keyspace of one class. Memory stays
// bounded by the batch size.
type scanCursor struct {
	store   kv.Store
	host    Collections
	class   string
	pattern string

	cursor  string
	started bool
	pending []string
}

func (c *scanCursor) Total() int64 {
	return 0
}

func (c *scanCursor) Next(ctx context.Context, max int) ([]string, error) {
	for len(c.pending) < max && (!c.started || c.cursor != "") {
		page, err := c.store.Scan(ctx, c.pattern, c.cursor, max)
		if err != nil {
			return nil, fmt.Errorf("index: scan %s: %w", c.pattern, err)
		}
		c.started = true
		c.cursor = page.Cursor
		for _, key := range page.Keys {
			if id, ok := c.host.IdentifierFromKey(c.class, key); ok {
				c.pending = append(c.pending, id)
			}
		}
	}
	n := max
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := append([]string(nil), c.pending[:n]...)
	c.pending = c.pending[n:]
	return out, nil
}
