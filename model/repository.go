package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/internal/loggingutil"
	"github.com/delano/familia-sub006/kv"
)

var (
	// ErrUnknownClass is returned for a class nobody registered.
	ErrUnknownClass = errors.New("model: unknown class")
	// ErrInvalidID is returned for identifiers that cannot form a key.
	ErrInvalidID = errors.New("model: invalid identifier")
	// ErrNoParticipation is returned when a scope class keeps no collection
	// for the member class.
	ErrNoParticipation = errors.New("model: no participation collection")
)

// Repository stores objects and serves them to the index engine as its host.
type Repository struct {
	store  kv.Store
	logger pslog.Logger

	mu      sync.RWMutex
	classes map[string]Class
}

var _ index.Host = (*Repository)(nil)

// NewRepository registers classes over store.
func NewRepository(store kv.Store, logger pslog.Logger, classes ...Class) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("model: store required")
	}
	r := &Repository{
		store:   store,
		logger:  loggingutil.WithSubsystem(logger, "model"),
		classes: make(map[string]Class),
	}
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a class.
func (r *Repository) Register(c Class) error {
	if err := c.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name] = c
	return nil
}

// Class returns a registered class.
func (r *Repository) Class(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Classes returns every registered class sorted by name.
func (r *Repository) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Repository) class(name string) (Class, error) {
	c, ok := r.Class(name)
	if !ok {
		return Class{}, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return c, nil
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" || id == index.KeySegment || strings.ContainsAny(id, ":*?[]\\") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Save replaces the stored fields of obj and records it in the instances
// set. Inside kv.Atomically the writes join the enclosing unit.
func (r *Repository) Save(ctx context.Context, obj *Object) error {
	c, err := r.class(obj.Class)
	if err != nil {
		return err
	}
	if err := checkID(obj.ID); err != nil {
		return err
	}
	key := c.objectKey(obj.ID)
	ops := []kv.Op{kv.Del(key), kv.HSet(key, idField, obj.ID)}
	for field, value := range obj.Fields {
		if field == idField {
			continue
		}
		ops = append(ops, kv.HSet(key, field, value))
	}
	if c.Instances {
		ops = append(ops, kv.SAdd(c.instancesKey(), obj.ID))
	}
	return kv.Exec(ctx, r.store, ops...)
}

// Load reads one object.
func (r *Repository) Load(ctx context.Context, class, id string) (*Object, bool, error) {
	c, err := r.class(class)
	if err != nil {
		return nil, false, err
	}
	if err := checkID(id); err != nil {
		return nil, false, err
	}
	fields, err := r.store.HGetAll(ctx, c.objectKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	delete(fields, idField)
	return &Object{Class: class, ID: id, Fields: fields}, true, nil
}

// LoadMany loads ids in order, dropping identifiers without a stored object
// and keys that hold something other than an object hash.
func (r *Repository) LoadMany(ctx context.Context, class string, ids []string) ([]index.Object, error) {
	if _, err := r.class(class); err != nil {
		return nil, err
	}
	out := make([]index.Object, 0, len(ids))
	for _, id := range ids {
		if checkID(id) != nil {
			r.logger.Debug("model.load.skip_invalid", "class", class, "id", id)
			continue
		}
		obj, ok, err := r.Load(ctx, class, id)
		if errors.Is(err, kv.ErrWrongType) {
			r.logger.Warn("model.load.skip_wrong_type", "class", class, "id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Delete removes obj and its instances entry. Participation entries stay
// behind as tombstones for the owning scope to prune.
func (r *Repository) Delete(ctx context.Context, obj *Object) error {
	c, err := r.class(obj.Class)
	if err != nil {
		return err
	}
	if err := checkID(obj.ID); err != nil {
		return err
	}
	ops := []kv.Op{kv.Del(c.objectKey(obj.ID))}
	if c.Instances {
		ops = append(ops, kv.SRem(c.instancesKey(), obj.ID))
	}
	return kv.Exec(ctx, r.store, ops...)
}

// AddParticipant records member in the collection scope keeps for its class.
func (r *Repository) AddParticipant(ctx context.Context, scope, member *Object) error {
	key, err := r.participationKey(scope, member.Class)
	if err != nil {
		return err
	}
	return kv.Exec(ctx, r.store, kv.SAdd(key, member.ID))
}

// RemoveParticipant drops member from scope's collection.
func (r *Repository) RemoveParticipant(ctx context.Context, scope, member *Object) error {
	key, err := r.participationKey(scope, member.Class)
	if err != nil {
		return err
	}
	return kv.Exec(ctx, r.store, kv.SRem(key, member.ID))
}

// Participants returns the member identifiers scope holds for memberClass.
func (r *Repository) Participants(ctx context.Context, scope *Object, memberClass string) ([]string, error) {
	key, err := r.participationKey(scope, memberClass)
	if err != nil {
		return nil, err
	}
	return r.store.SMembers(ctx, key)
}

func (r *Repository) participationKey(scope *Object, memberClass string) (string, error) {
	if err := checkID(scope.ID); err != nil {
		return "", err
	}
	key, ok := r.ParticipationKey(scope.Class, scope.ID, memberClass)
	if !ok {
		return "", fmt.Errorf("%w: %s keeps none for %s", ErrNoParticipation, scope.Class, memberClass)
	}
	return key, nil
}

// KeyPrefix implements index.Collections.
func (r *Repository) KeyPrefix(class string) (string, bool) {
	c, ok := r.Class(class)
	if !ok {
		return "", false
	}
	return c.prefix(), true
}

// InstancesKey implements index.Collections.
func (r *Repository) InstancesKey(class string) (string, bool) {
	c, ok := r.Class(class)
	if !ok || !c.Instances {
		return "", false
	}
	return c.instancesKey(), true
}

// ParticipationKey implements index.Collections.
func (r *Repository) ParticipationKey(scopeClass, scopeID, indexedClass string) (string, bool) {
	c, ok := r.Class(scopeClass)
	if !ok {
		return "", false
	}
	p, ok := c.participation(indexedClass)
	if !ok {
		return "", false
	}
	return c.prefix() + ":" + scopeID + ":" + p.Collection, true
}

// ObjectKeyPattern implements index.Collections.
func (r *Repository) ObjectKeyPattern(class string) (string, bool) {
	c, ok := r.Class(class)
	if !ok {
		return "", false
	}
	return kv.EscapePattern(c.prefix()+":") + "*" + kv.EscapePattern(":object"), true
}

// IdentifierFromKey implements index.Collections.
func (r *Repository) IdentifierFromKey(class, key string) (string, bool) {
	c, ok := r.Class(class)
	if !ok {
		return "", false
	}
	rest, ok := strings.CutPrefix(key, c.prefix()+":")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ":object")
	if !ok || checkID(id) != nil {
		return "", false
	}
	return id, true
}
