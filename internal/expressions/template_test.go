package expressions

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/pkg/schema"
)

func TestResolve_NoTokens(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), nil)
	assert.Equal(t, "https://example.com/leads", r.Resolve("https://example.com/leads"))
	assert.Empty(t, r.Warnings())
}

func TestResolve_SubstitutesValues(t *testing.T) {
	vars := NewVariables(nil, map[string]any{
		"lead_id": "L-42",
		"score":   float64(87.5),
		"count":   3,
		"active":  true,
		"tags":    []any{"a", "b"},
	})
	r := NewResolver(vars, nil)

	out := r.Resolve("/leads/{{lead_id}}?s={{ score }}&n={{count}}&a={{active}}&t={{tags}}")
	assert.Equal(t, `/leads/L-42?s=87.5&n=3&a=true&t=["a","b"]`, out)
	assert.Empty(t, r.Warnings())
}

func TestResolve_MissingVariableFallsBackToEmpty(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), nil)

	out := r.Resolve("hello {{undeclared_key}}!")
	assert.Equal(t, "hello !", out)

	warnings := r.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, schema.ErrCodeMissingVariable, warnings[0].Code)
	assert.Equal(t, "undeclared_key", warnings[0].Key)
}

func TestResolve_MissingVariableWarnsOncePerKey(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), nil)
	r.Resolve("{{x}} and {{x}}")
	r.ResolveMap(map[string]string{"A": "{{x}}", "B": "{{y}}"})

	warnings := r.Warnings()
	require.Len(t, warnings, 2)
	assert.Equal(t, "x", warnings[0].Key)
	assert.Equal(t, "y", warnings[1].Key)
}

func TestResolve_DeclaredDefaultUsedWhenAbsent(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), map[string]any{"greeting": "hi"})

	assert.Equal(t, "hi there", r.Resolve("{{greeting}} there"))
	require.Len(t, r.Warnings(), 1)
}

func TestResolve_NoRescanOfSubstitutedValues(t *testing.T) {
	vars := NewVariables(nil, map[string]any{
		"payload": "{{secret}}",
		"secret":  "leaked",
	})
	r := NewResolver(vars, nil)

	assert.Equal(t, "value={{secret}}", r.Resolve("value={{payload}}"))
	assert.Empty(t, r.Warnings())
}

func TestResolve_NonIdentifierBracesStayLiteral(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), nil)
	in := `{"a": {{ 1 + 1 }}, "b": "{{foo.bar}}", "c": "{{"}`
	assert.Equal(t, in, r.Resolve(in))
	assert.Empty(t, r.Warnings())
}

// Serializing a store into a template and resolving it reproduces the
// literal values with no residual tokens.
func TestResolve_RoundTrip(t *testing.T) {
	seed := map[string]any{
		"first":  "Ada",
		"last":   "Lovelace",
		"braces": "{{first}}",
		"empty":  "",
		"weird":  "a|b=c",
	}
	vars := NewVariables(nil, seed)
	keys := vars.Keys()

	var tpl, want strings.Builder
	for i, k := range keys {
		if i > 0 {
			tpl.WriteString("\x00")
			want.WriteString("\x00")
		}
		tpl.WriteString("{{" + k + "}}")
		want.WriteString(seed[k].(string))
	}

	r := NewResolver(vars, nil)
	got := r.Resolve(tpl.String())
	assert.Equal(t, want.String(), got)
	assert.Empty(t, r.Warnings())

	parts := strings.Split(got, "\x00")
	require.Len(t, parts, len(keys))
	for i, k := range keys {
		assert.Equal(t, seed[k], parts[i])
	}
}

func TestResolveMap_Nil(t *testing.T) {
	r := NewResolver(NewVariables(nil, nil), nil)
	assert.Nil(t, r.ResolveMap(nil))
}

func TestTemplateKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, TemplateKeys("{{a}}-{{ b }}-{{a}}-{{c.d}}"))
	assert.Nil(t, TemplateKeys("plain"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1000000", Stringify(float64(1e6)))
	assert.Equal(t, "0.25", Stringify(0.25))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}

func TestStringify_DecodedJSONValues(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"big": 12345678901234567890, "raw": {"a": [1, 2]}}`))
	dec.UseNumber()
	var doc map[string]any
	require.NoError(t, dec.Decode(&doc))

	assert.Equal(t, "12345678901234567890", Stringify(doc["big"]))
	assert.Equal(t, `{"a":[1,2]}`, Stringify(json.RawMessage(`{"a":[1,2]}`)))

	v := NewVariables(nil, map[string]any{"raw": json.RawMessage(`{"a":1}`)})
	r := NewResolver(v, nil)
	assert.Equal(t, `payload={"a":1}`, r.Resolve("payload={{raw}}"))
}
