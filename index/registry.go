package index

import (
	"fmt"
	"sort"
	"sync"
)

type registryKey struct {
	class string
	name  string
}

// Registry maps (indexed class, index name) to its declared relationship.
// Declarations are immutable once registered.
type Registry struct {
	mu    sync.RWMutex
	rels  map[registryKey]Relationship
	order []registryKey
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rels: make(map[registryKey]Relationship)}
}

// Declare validates and registers rel. Redeclaring an identical relationship
// is a no-op; a different declaration under the same name is an error.
func (r *Registry) Declare(rel Relationship) (Relationship, error) {
	if err := rel.validate(); err != nil {
		return Relationship{}, err
	}
	key := registryKey{class: rel.IndexedClass, name: rel.Name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rels[key]; ok {
		if existing == rel {
			return existing, nil
		}
		return Relationship{}, configErr(rel, "already declared with a different definition")
	}
	r.rels[key] = rel
	r.order = append(r.order, key)
	return rel, nil
}

// Unique declares a unique index of class on field.
func (r *Registry) Unique(class, name, field, scopeClass string) (Relationship, error) {
	return r.Declare(Relationship{
		Field:        field,
		IndexedClass: class,
		ScopeClass:   scopeClass,
		Name:         name,
		Cardinality:  Unique,
		QueryEnabled: true,
	})
}

// Multi declares a multi index of class on field.
func (r *Registry) Multi(class, name, field, scopeClass string) (Relationship, error) {
	return r.Declare(Relationship{
		Field:        field,
		IndexedClass: class,
		ScopeClass:   scopeClass,
		Name:         name,
		Cardinality:  Multi,
		QueryEnabled: true,
	})
}

// Lookup returns the relationship registered for (class, name).
func (r *Registry) Lookup(class, name string) (Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.rels[registryKey{class: class, name: name}]
	if !ok {
		return Relationship{}, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, class, name)
	}
	return rel, nil
}

// ForClass returns every relationship indexing class, in declaration order.
func (r *Registry) ForClass(class string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Relationship
	for _, key := range r.order {
		if key.class == class {
			out = append(out, r.rels[key])
		}
	}
	return out
}

// All returns every relationship sorted by ID.
func (r *Registry) All() []Relationship {
	r.mu.RLock()
	out := make([]Relationship, 0, len(r.rels))
	for _, rel := range r.rels {
		out = append(out, rel)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
