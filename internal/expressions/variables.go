package expressions

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Variables is the instance-wide variable snapshot. There is a single scope
// per instance: a write creates or overwrites the key and is visible to every
// later node. Values are deep-copied on the way in and out.
type Variables struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewVariables seeds a snapshot from declared defaults, then trigger bindings.
func NewVariables(defs []schema.VariableDefinition, seed map[string]any) *Variables {
	v := &Variables{values: make(map[string]any, len(defs)+len(seed))}
	for _, d := range defs {
		if d.DefaultValue != nil {
			v.values[d.Key] = deepCopyAny(d.DefaultValue)
		}
	}
	for k, val := range seed {
		v.values[k] = deepCopyAny(val)
	}
	return v
}

// FromSnapshot rebuilds Variables from a persisted snapshot.
func FromSnapshot(snapshot map[string]any) *Variables {
	v := &Variables{values: deepCopyMap(snapshot)}
	if v.values == nil {
		v.values = make(map[string]any)
	}
	return v
}

// Get returns the value bound to key.
func (v *Variables) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[key]
	return val, ok
}

// Set binds key to value at instance scope.
func (v *Variables) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = deepCopyAny(value)
}

// Merge applies every binding in m, overwriting existing keys.
func (v *Variables) Merge(m map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range m {
		v.values[k] = deepCopyAny(val)
	}
}

// Snapshot returns a deep copy of all bindings.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := deepCopyMap(v.values)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Keys returns the bound keys in sorted order.
func (v *Variables) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EventBindings returns the engine-reserved bindings for an applied event:
// _event_id, _event_payload and _event_<field> for every top-level payload
// field whose name is a valid variable key. Fields named id or payload are
// reachable only through _event_payload; the reserved keys always win.
func EventBindings(eventID string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, val := range payload {
		if !schema.VariableKeyPattern.MatchString(k) {
			continue
		}
		out[schema.ReservedVariablePrefix+"_"+k] = deepCopyAny(val)
	}
	out[schema.VarEventID] = eventID
	out[schema.VarEventPayload] = deepCopyMap(payload)
	return out
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps, slices and raw JSON; primitives
// are returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
