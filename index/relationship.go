// Package index maintains secondary indexes over fields of stored objects and
// rebuilds them from scratch without disturbing concurrent readers.
//
// A unique index is one hash mapping field values to identifiers. A multi
// index is a family of sets, one per distinct field value, holding the
// identifiers of every object with that value. Either kind is declared
// class-wide or scoped to an owning object, and lives in a Registry keyed by
// (indexed class, index name).
package index

import (
	"fmt"
	"strings"
)

// Cardinality selects the index shape.
type Cardinality uint8

const (
	// Unique maps one value to one identifier.
	Unique Cardinality = iota + 1
	// Multi maps one value to a set of identifiers.
	Multi
)

func (c Cardinality) String() string {
	switch c {
	case Unique:
		return "unique"
	case Multi:
		return "multi"
	default:
		return fmt.Sprintf("cardinality(%d)", uint8(c))
	}
}

// ParseCardinality parses "unique" or "multi".
func ParseCardinality(s string) (Cardinality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unique", "":
		return Unique, nil
	case "multi", "multiple":
		return Multi, nil
	default:
		return 0, fmt.Errorf("%w: unknown cardinality %q", ErrConfiguration, s)
	}
}

// Relationship is the immutable declaration of one index.
type Relationship struct {
	// Field is the indexed field on IndexedClass.
	Field        string
	IndexedClass string
	// ScopeClass owns the index; empty for class-wide indexes.
	ScopeClass   string
	Name         string
	Cardinality  Cardinality
	QueryEnabled bool
}

// Scoped reports whether the index is namespaced by an owning object.
func (r Relationship) Scoped() bool {
	return r.ScopeClass != ""
}

// ID returns "<class>.<name>".
func (r Relationship) ID() string {
	return r.IndexedClass + "." + r.Name
}

func (r Relationship) validate() error {
	switch {
	case strings.TrimSpace(r.IndexedClass) == "":
		return &ConfigError{Index: r.Name, Reason: "indexed class required"}
	case strings.TrimSpace(r.Name) == "":
		return configErr(r, "index name required")
	case strings.TrimSpace(r.Field) == "":
		return configErr(r, "field required")
	case strings.ContainsAny(r.Name, ":*?[]\\"):
		return configErr(r, "index name must not contain ':' or glob characters")
	case r.Cardinality != Unique && r.Cardinality != Multi:
		return configErr(r, "unsupported cardinality %s", r.Cardinality)
	}
	return nil
}
