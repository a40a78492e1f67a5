package index

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict marks a uniqueness violation on a unique index.
	ErrConflict = errors.New("index: unique conflict")
	// ErrConfiguration marks a relationship, scope or strategy the host cannot
	// serve. It is always returned before any store I/O.
	ErrConfiguration = errors.New("index: configuration error")
	// ErrRebuildInProgress is returned when another rebuild holds the lease.
	ErrRebuildInProgress = errors.New("index: rebuild already in progress")
	// ErrLeaseLost is returned when a rebuild lease expired or was taken over.
	ErrLeaseLost = errors.New("index: rebuild lease lost")
	// ErrFenced is returned by fenced writers while a rebuild swaps the index.
	ErrFenced = errors.New("index: writes fenced during rebuild swap")
	// ErrUnknownIndex is returned for a (class, name) pair nobody declared.
	ErrUnknownIndex = errors.New("index: unknown index")
)

// ConflictError describes the existing mapping that blocked a unique write.
type ConflictError struct {
	Class      string
	Index      string
	Scope      string
	Field      string
	Value      string
	Existing   string
	Identifier string
}

func (e *ConflictError) Error() string {
	scope := e.Scope
	if scope == "" {
		scope = "class"
	}
	return fmt.Sprintf("index: %s.%s=%q already maps to %s in %s (index %s, attempted %s)",
		e.Class, e.Field, e.Value, e.Existing, scope, e.Index, e.Identifier)
}

// Is reports ErrConflict equivalence.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ConfigError explains why an index operation cannot run against the host.
type ConfigError struct {
	Class  string
	Index  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("index: %s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("index: %s.%s: %s", e.Class, e.Index, e.Reason)
}

// Is reports ErrConfiguration equivalence.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErr(rel Relationship, format string, args ...any) error {
	return &ConfigError{Class: rel.IndexedClass, Index: rel.Name, Reason: fmt.Sprintf(format, args...)}
}
