package nodes

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// TerminalExecutor implements the terminal node kind.
type TerminalExecutor struct{}

func NewTerminalExecutor() *TerminalExecutor { return &TerminalExecutor{} }

func (e *TerminalExecutor) Kind() schema.NodeKind { return schema.NodeKindTerminal }

func (e *TerminalExecutor) Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig {
	c, ok := cfg.(schema.TerminalConfig)
	if !ok {
		return cfg
	}
	c.Reason = r.Resolve(c.Reason)
	return c
}

func (e *TerminalExecutor) Execute(_ context.Context, in Input) (*Result, error) {
	c, ok := in.Config.(schema.TerminalConfig)
	if !ok {
		return nil, executorError(in.NodeID, "terminal: unexpected config %T", in.Config)
	}
	status := c.Status
	if status == "" {
		status = schema.InstanceStatusCompleted
	}
	return &Result{
		Terminal:    &TerminalOutcome{Status: status, Reason: c.Reason},
		Diagnostics: map[string]any{"status": string(status)},
	}, nil
}
