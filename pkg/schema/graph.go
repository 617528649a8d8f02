package schema

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// GraphDefinition is the serializable, operator-authored workflow graph.
// Once an instance references a saved version it is never modified; edits
// are saved as a new version.
type GraphDefinition struct {
	ID          string               `json:"id"`
	Version     int                  `json:"version,omitempty"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Nodes       []NodeDefinition     `json:"nodes"`
	Edges       []EdgeDefinition     `json:"edges,omitempty"`
	Variables   []VariableDefinition `json:"variables,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node. Config is decoded into the
// kind-specific NodeConfig by DecodeNodeConfig.
type NodeDefinition struct {
	ID            string          `json:"id"`
	Kind          NodeKind        `json:"kind"`
	Label         string          `json:"label,omitempty"`
	IsEntry       bool            `json:"is_entry,omitempty"`
	OutputHandles []string        `json:"output_handles,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// Handles returns the output handles this node declares. When none are listed
// explicitly the kind's default handles apply.
func (n *NodeDefinition) Handles() []string {
	if len(n.OutputHandles) > 0 {
		return n.OutputHandles
	}
	spec, ok := kindHandles[n.Kind]
	if !ok {
		return nil
	}
	return spec.Defaults
}

// DeclaresHandle reports whether handle is among the node's declared handles.
func (n *NodeDefinition) DeclaresHandle(handle string) bool {
	for _, h := range n.Handles() {
		if h == handle {
			return true
		}
	}
	return false
}

// EdgeDefinition routes (From, FromHandle) to To.
type EdgeDefinition struct {
	From       string `json:"from"`
	FromHandle string `json:"from_handle"`
	To         string `json:"to"`
}

// VariableDefinition is an operator-declared instance variable.
type VariableDefinition struct {
	Key          string `json:"key"`
	Label        string `json:"label,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
	Description  string `json:"description,omitempty"`
}

// NodeKind is the tag of the closed node-config union.
type NodeKind string

const (
	NodeKindHTTPRequest  NodeKind = "http_request"
	NodeKindCondition    NodeKind = "condition"
	NodeKindSetVariable  NodeKind = "set_variable"
	NodeKindWaitForEvent NodeKind = "wait_for_event"
	NodeKindTerminal     NodeKind = "terminal"
)

// Output handle names.
const (
	HandleSuccess  = "success"
	HandleError    = "error"
	HandleTrue     = "true"
	HandleFalse    = "false"
	HandleDone     = "done"
	HandleReceived = "received"
)

// HandleSpec lists the handles a kind declares by default and the extra
// handles a node of that kind may opt into.
type HandleSpec struct {
	Defaults []string
	Optional []string
}

var kindHandles = map[NodeKind]HandleSpec{
	NodeKindHTTPRequest:  {Defaults: []string{HandleSuccess, HandleError}},
	NodeKindCondition:    {Defaults: []string{HandleTrue, HandleFalse}, Optional: []string{HandleError}},
	NodeKindSetVariable:  {Defaults: []string{HandleDone}, Optional: []string{HandleError}},
	NodeKindWaitForEvent: {Defaults: []string{HandleReceived}},
	NodeKindTerminal:     {},
}

// KnownKind reports whether k is a supported node kind.
func KnownKind(k NodeKind) bool {
	_, ok := kindHandles[k]
	return ok
}

// KindHandles returns the handle spec for a kind.
func KindHandles(k NodeKind) HandleSpec {
	return kindHandles[k]
}

// Kinds returns all supported node kinds in a stable order.
func Kinds() []NodeKind {
	return []NodeKind{
		NodeKindHTTPRequest, NodeKindCondition, NodeKindSetVariable,
		NodeKindWaitForEvent, NodeKindTerminal,
	}
}

// VariableKeyPattern is the format every variable key must match.
var VariableKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ReservedVariablePrefix marks keys the engine writes when applying an event.
const ReservedVariablePrefix = "_event"

// Reserved event keys merged into the snapshot on resumption.
const (
	VarEventID      = "_event_id"
	VarEventPayload = "_event_payload"
)

// IsReservedKey reports whether key belongs to the engine-reserved namespace.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, ReservedVariablePrefix)
}
