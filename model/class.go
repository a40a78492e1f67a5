// Package model is a small object layer over kv.Store: classes with string
// fields stored as hashes, an optional per-class instances set, and
// participation sets owned by scope objects. It is the host the index engine
// loads ground truth from.
package model

import (
	"fmt"
	"strings"

	"github.com/delano/familia-sub006/index"
)

const objectSuffix = "object"

// Participation declares a set owned by every instance of a class that holds
// the identifiers of Member objects belonging to it.
type Participation struct {
	Collection string `yaml:"collection"`
	Member     string `yaml:"member"`
}

// Class describes one object type.
type Class struct {
	Name   string   `yaml:"name"`
	Prefix string   `yaml:"prefix"`
	Fields []string `yaml:"fields"`
	// Instances keeps <prefix>:instances current on Save and Delete.
	Instances      bool            `yaml:"instances"`
	Participations []Participation `yaml:"participations"`
}

func (c Class) prefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return c.Name
}

func (c Class) objectKey(id string) string {
	return c.prefix() + ":" + id + ":" + objectSuffix
}

func (c Class) instancesKey() string {
	return c.prefix() + ":instances"
}

func (c Class) participation(member string) (Participation, bool) {
	for _, p := range c.Participations {
		if p.Member == member {
			return p, true
		}
	}
	return Participation{}, false
}

func (c Class) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("model: class name required")
	}
	if strings.ContainsAny(c.prefix(), ":*?[]\\") {
		return fmt.Errorf("model: class %s: prefix %q must not contain ':' or glob characters", c.Name, c.prefix())
	}
	seen := make(map[string]struct{}, len(c.Participations))
	for _, p := range c.Participations {
		if p.Collection == "" || p.Member == "" {
			return fmt.Errorf("model: class %s: participation needs collection and member", c.Name)
		}
		if strings.ContainsAny(p.Collection, ":*?[]\\") {
			return fmt.Errorf("model: class %s: collection %q must not contain ':' or glob characters", c.Name, p.Collection)
		}
		if p.Collection == index.KeySegment || p.Collection == objectSuffix {
			return fmt.Errorf("model: class %s: collection name %q is reserved", c.Name, p.Collection)
		}
		if _, dup := seen[p.Member]; dup {
			return fmt.Errorf("model: class %s: more than one collection for %s", c.Name, p.Member)
		}
		seen[p.Member] = struct{}{}
	}
	return nil
}
