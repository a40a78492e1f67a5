package model

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/kv"
)

// IndexSpec declares one index in a schema file.
type IndexSpec struct {
	Class       string `yaml:"class"`
	Name        string `yaml:"name"`
	Field       string `yaml:"field"`
	Cardinality string `yaml:"cardinality"`
	// Scope names the owning class of an instance-scoped index.
	Scope string `yaml:"scope,omitempty"`
	Query bool   `yaml:"query,omitempty"`
}

// Schema is the YAML description of classes and their indexes.
type Schema struct {
	Classes []Class     `yaml:"classes"`
	Indexes []IndexSpec `yaml:"indexes"`
}

// ReadSchema decodes a schema, rejecting unknown keys.
func ReadSchema(r io.Reader) (*Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Schema
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("model: decode schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSchemaFile reads a schema from path.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: read schema %s: %w", path, err)
	}
	return ReadSchema(bytes.NewReader(data))
}

// Validate checks that every index refers to declared classes and fields.
func (s *Schema) Validate() error {
	classes := make(map[string]Class, len(s.Classes))
	for _, c := range s.Classes {
		if err := c.validate(); err != nil {
			return err
		}
		if _, dup := classes[c.Name]; dup {
			return fmt.Errorf("model: class %s declared twice", c.Name)
		}
		classes[c.Name] = c
	}
	for _, c := range s.Classes {
		for _, p := range c.Participations {
			if _, ok := classes[p.Member]; !ok {
				return fmt.Errorf("model: class %s: participation member %s is not declared", c.Name, p.Member)
			}
		}
	}
	for _, spec := range s.Indexes {
		c, ok := classes[spec.Class]
		if !ok {
			return fmt.Errorf("model: index %s: class %s is not declared", spec.Name, spec.Class)
		}
		if len(c.Fields) > 0 && !slices.Contains(c.Fields, spec.Field) {
			return fmt.Errorf("model: index %s: %s has no field %s", spec.Name, spec.Class, spec.Field)
		}
		if spec.Scope != "" {
			if _, ok := classes[spec.Scope]; !ok {
				return fmt.Errorf("model: index %s: scope class %s is not declared", spec.Name, spec.Scope)
			}
		}
	}
	return nil
}

// Relationships converts the index declarations.
func (s *Schema) Relationships() ([]index.Relationship, error) {
	out := make([]index.Relationship, 0, len(s.Indexes))
	for _, spec := range s.Indexes {
		card, err := index.ParseCardinality(spec.Cardinality)
		if err != nil {
			return nil, fmt.Errorf("model: index %s: %w", spec.Name, err)
		}
		out = append(out, index.Relationship{
			Field:        spec.Field,
			IndexedClass: spec.Class,
			ScopeClass:   spec.Scope,
			Name:         spec.Name,
			Cardinality:  card,
			QueryEnabled: spec.Query,
		})
	}
	return out, nil
}

// Registry declares every index of the schema in a fresh registry.
func (s *Schema) Registry() (*index.Registry, error) {
	rels, err := s.Relationships()
	if err != nil {
		return nil, err
	}
	reg := index.NewRegistry()
	for _, rel := range rels {
		if _, err := reg.Declare(rel); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Repository registers the schema classes over store.
func (s *Schema) Repository(store kv.Store, logger pslog.Logger) (*Repository, error) {
	return NewRepository(store, logger, s.Classes...)
}
