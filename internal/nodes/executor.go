package nodes

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Executor runs one node kind. Executors never touch engine state: every
// change they want is returned in Result.Variables and applied by the engine.
type Executor interface {
	Kind() schema.NodeKind
	// Resolve expands the templated fields of cfg. Warnings for missing
	// variables accumulate on r.
	Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig
	// Execute runs a resolved config. A returned error is an ExecutorError:
	// the engine routes it to the node's error handle when one is declared
	// and fails the instance otherwise. Result may carry diagnostics even
	// when an error is returned.
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Input is what an executor sees of the instance.
type Input struct {
	InstanceID string
	NodeID     string
	Config     schema.NodeConfig
	// Vars is a read-only copy of the variable snapshot, used by predicates.
	Vars map[string]any
}

// Result is the outcome of a node.
type Result struct {
	Handle      string
	Variables   map[string]any
	Suspend     bool
	WaitToken   string
	Terminal    *TerminalOutcome
	Diagnostics map[string]any
}

// TerminalOutcome ends the instance.
type TerminalOutcome struct {
	Status schema.InstanceStatus
	Reason string
}

func executorError(nodeID, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExecutor, format, args...).WithNode(nodeID)
}
