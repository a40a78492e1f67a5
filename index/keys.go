package index

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/delano/familia-sub006/kv"
)

// KeySegment follows the owning prefix (class prefix or scope key) in every
// key the engine writes. Hosts must not use it as an identifier or collection
// name, so index keys never share a position with host keys.
const KeySegment = "idx"

// keys holds every store key derived for one (relationship, scope) pair. All
// of them live under <base>:idx:<name>.
type keys struct {
	base  string
	scope string
	// live is the unique hash, or the root of every multi set.
	live  string
	lock  string
	fence string
}

// resolveKeys derives the key names for rel under scope. It performs no I/O
// and fails with a ConfigError when the scope does not fit the relationship.
func (e *Engine) resolveKeys(rel Relationship, scope Object) (keys, error) {
	var base, scopeKey string
	switch {
	case rel.Scoped() && scope == nil:
		return keys{}, configErr(rel, "scope %s required", rel.ScopeClass)
	case rel.Scoped():
		id := scope.Identifier()
		if strings.TrimSpace(id) == "" {
			return keys{}, configErr(rel, "scope %s has no identifier", rel.ScopeClass)
		}
		if id == KeySegment || strings.ContainsAny(id, ":*?[]\\") {
			return keys{}, configErr(rel, "scope identifier %q cannot form a key", id)
		}
		prefix, ok := e.host.KeyPrefix(rel.ScopeClass)
		if !ok {
			return keys{}, configErr(rel, "unknown scope class %s", rel.ScopeClass)
		}
		base = prefix + ":" + id
		scopeKey = base
	case scope != nil:
		return keys{}, configErr(rel, "class-level index does not take a scope")
	default:
		prefix, ok := e.host.KeyPrefix(rel.IndexedClass)
		if !ok {
			return keys{}, configErr(rel, "unknown class %s", rel.IndexedClass)
		}
		base = prefix
	}
	live := base + ":" + KeySegment + ":" + rel.Name
	return keys{
		base:  base,
		scope: scopeKey,
		live:  live,
		lock:  live + ":lock",
		fence: live + ":fence",
	}, nil
}

// valueKey names the multi-index set holding identifiers with value.
func (k keys) valueKey(value string) string {
	return k.live + ":v:" + value
}

// valuePattern matches every multi-index set of the index and nothing else.
func (k keys) valuePattern() string {
	return kv.EscapePattern(k.live+":v:") + "*"
}

// valueFromKey recovers the field value from a multi-index set key.
func (k keys) valueFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, k.live+":v:")
}

// tempKey derives a fresh rebuild key: unix nanos and an xid under the live key.
func (k keys) tempKey(now time.Time) string {
	return k.live + ":tmp:" + strconv.FormatInt(now.UnixNano(), 10) + "-" + xid.New().String()
}

// orphanPattern matches every rebuild temp key of the index.
func (k keys) orphanPattern() string {
	return kv.EscapePattern(k.live+":tmp:") + "*"
}
