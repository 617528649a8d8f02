package schema

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// NodeConfig is the closed union of kind-specific node configurations.
// Only the types in this file implement it.
type NodeConfig interface {
	Kind() NodeKind
	isNodeConfig()
}

// TemplateText is a template string. In a definition it may be written as a
// JSON string or as any other JSON value, in which case the raw JSON text
// becomes the template (useful for request bodies).
type TemplateText string

func (t *TemplateText) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*t = TemplateText(s)
		return nil
	}
	*t = TemplateText(trimmed)
	return nil
}

// HTTPRequestConfig configures an HttpRequest node. Method, URL, header values
// and body are templates.
type HTTPRequestConfig struct {
	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             TemplateText      `json:"body,omitempty"`
	Timeout          string            `json:"timeout,omitempty"`
	ExtractVariables []ExtractRule     `json:"extract_variables,omitempty"`
}

// ExtractRule copies a value out of a successful response body into Key.
// Path is a jq path (".data.id"; a leading dot is optional).
type ExtractRule struct {
	Key          string `json:"key"`
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value,omitempty"`
}

func (HTTPRequestConfig) Kind() NodeKind { return NodeKindHTTPRequest }
func (HTTPRequestConfig) isNodeConfig()  {}

// ConditionOperator is a comparison supported by Condition nodes.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "eq"
	OpNotEquals   ConditionOperator = "neq"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreater     ConditionOperator = "gt"
	OpGreaterEq   ConditionOperator = "gte"
	OpLess        ConditionOperator = "lt"
	OpLessEq      ConditionOperator = "lte"
	OpEmpty       ConditionOperator = "empty"
	OpNotEmpty    ConditionOperator = "not_empty"
)

// ValidOperator reports whether op is a supported operator.
func ValidOperator(op ConditionOperator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreater, OpGreaterEq, OpLess, OpLessEq, OpEmpty, OpNotEmpty:
		return true
	}
	return false
}

// ConditionConfig configures a Condition node. Left and Right are templates.
// Expression, when set, replaces the operand comparison with a boolean
// predicate over `vars` evaluated by Engine ("cel" or "expr").
type ConditionConfig struct {
	Left            string            `json:"left,omitempty"`
	Operator        ConditionOperator `json:"operator,omitempty"`
	Right           string            `json:"right,omitempty"`
	CaseInsensitive bool              `json:"case_insensitive,omitempty"`
	Expression      string            `json:"expression,omitempty"`
	Engine          string            `json:"engine,omitempty"`
}

func (ConditionConfig) Kind() NodeKind { return NodeKindCondition }
func (ConditionConfig) isNodeConfig()  {}

// Assignment is one key/value write performed by a SetVariable node.
type Assignment struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ParseJSON bool   `json:"parse_json,omitempty"`
}

// SetVariableConfig configures a SetVariable node. Key/Value is the primary
// assignment; Assignments adds more, applied in order.
type SetVariableConfig struct {
	Key         string       `json:"key,omitempty"`
	Value       string       `json:"value,omitempty"`
	ParseJSON   bool         `json:"parse_json,omitempty"`
	Assignments []Assignment `json:"assignments,omitempty"`
}

// All returns every assignment in application order.
func (c SetVariableConfig) All() []Assignment {
	out := make([]Assignment, 0, len(c.Assignments)+1)
	if c.Key != "" {
		out = append(out, Assignment{Key: c.Key, Value: c.Value, ParseJSON: c.ParseJSON})
	}
	return append(out, c.Assignments...)
}

func (SetVariableConfig) Kind() NodeKind { return NodeKindSetVariable }
func (SetVariableConfig) isNodeConfig()  {}

// WaitForEventConfig configures a WaitForEvent node. CorrelationKey is a
// template whose resolved value becomes the wait token.
type WaitForEventConfig struct {
	CorrelationKey string `json:"correlation_key,omitempty"`
	Description    string `json:"description,omitempty"`
}

func (WaitForEventConfig) Kind() NodeKind { return NodeKindWaitForEvent }
func (WaitForEventConfig) isNodeConfig()  {}

// TerminalConfig configures a Terminal node. Reason is a template.
type TerminalConfig struct {
	Status InstanceStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

func (TerminalConfig) Kind() NodeKind { return NodeKindTerminal }
func (TerminalConfig) isNodeConfig()  {}

// DecodeNodeConfig decodes raw config JSON into the typed config for kind.
// Unknown fields are rejected.
func DecodeNodeConfig(kind NodeKind, raw json.RawMessage) (NodeConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case NodeKindHTTPRequest:
		var c HTTPRequestConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeKindCondition:
		var c ConditionConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeKindSetVariable:
		var c SetVariableConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeKindWaitForEvent:
		var c WaitForEventConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeKindTerminal:
		var c TerminalConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if c.Status == "" {
			c.Status = InstanceStatusCompleted
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
