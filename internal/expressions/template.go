package expressions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/pkg/schema"
)

// tokenPattern matches a {{identifier}} placeholder. Whitespace inside the
// braces is tolerated; anything that is not an identifier stays literal.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Lookup is the read side of the variable snapshot.
type Lookup interface {
	Get(key string) (any, bool)
}

// Resolver expands {{key}} placeholders for a single step and collects the
// MissingVariable warnings raised while doing so. A Resolver is not safe for
// concurrent use; build one per step.
type Resolver struct {
	vars     Lookup
	defaults map[string]any
	warnings []schema.Warning
	warned   map[string]bool
}

// NewResolver creates a Resolver over vars. defaults holds the declared
// default values used when a key is absent from the snapshot.
func NewResolver(vars Lookup, defaults map[string]any) *Resolver {
	return &Resolver{
		vars:     vars,
		defaults: defaults,
		warned:   make(map[string]bool),
	}
}

// Resolve performs a single textual substitution pass. A substituted value is
// written as-is and never re-scanned, so a value containing "{{x}}" stays
// literal.
func (r *Resolver) Resolve(tpl string) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(tpl, -1)
	if len(matches) == 0 {
		return tpl
	}

	var b strings.Builder
	b.Grow(len(tpl))
	last := 0
	for _, m := range matches {
		b.WriteString(tpl[last:m[0]])
		key := tpl[m[2]:m[3]]
		b.WriteString(r.lookup(key))
		last = m[1]
	}
	b.WriteString(tpl[last:])
	return b.String()
}

// ResolveMap resolves every value of m into a new map. Keys are not templated.
func (r *Resolver) ResolveMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	// Resolve in key order so warnings are deterministic.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = r.Resolve(m[k])
	}
	return out
}

// Warnings returns the MissingVariable warnings raised so far, one per key.
func (r *Resolver) Warnings() []schema.Warning {
	if len(r.warnings) == 0 {
		return nil
	}
	out := make([]schema.Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

func (r *Resolver) lookup(key string) string {
	if r.vars != nil {
		if v, ok := r.vars.Get(key); ok {
			return Stringify(v)
		}
	}
	if def, ok := r.defaults[key]; ok && def != nil {
		r.warn(key, fmt.Sprintf("variable %q not set; using declared default", key))
		return Stringify(def)
	}
	r.warn(key, fmt.Sprintf("variable %q not set; substituted empty string", key))
	return ""
}

func (r *Resolver) warn(key, msg string) {
	if r.warned[key] {
		return
	}
	r.warned[key] = true
	r.warnings = append(r.warnings, schema.Warning{
		Code:    schema.ErrCodeMissingVariable,
		Message: msg,
		Key:     key,
	})
}

// TemplateKeys returns the distinct variable keys referenced by tpl, in
// order of first appearance.
func TemplateKeys(tpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// Stringify renders a variable value as template text: strings verbatim,
// numbers without exponent noise, nil as empty, composites as JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
