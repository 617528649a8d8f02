package nodes

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// WaitForEventExecutor implements the wait_for_event node kind. It produces
// no handle; it asks the engine to suspend under a wait token.
type WaitForEventExecutor struct{}

func NewWaitForEventExecutor() *WaitForEventExecutor { return &WaitForEventExecutor{} }

func (e *WaitForEventExecutor) Kind() schema.NodeKind { return schema.NodeKindWaitForEvent }

func (e *WaitForEventExecutor) Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig {
	c, ok := cfg.(schema.WaitForEventConfig)
	if !ok {
		return cfg
	}
	c.CorrelationKey = strings.TrimSpace(r.Resolve(c.CorrelationKey))
	return c
}

// Execute returns the resolved correlation key as the wait token, or a fresh
// uuid when the key resolved to nothing.
func (e *WaitForEventExecutor) Execute(_ context.Context, in Input) (*Result, error) {
	c, ok := in.Config.(schema.WaitForEventConfig)
	if !ok {
		return nil, executorError(in.NodeID, "wait_for_event: unexpected config %T", in.Config)
	}
	token := c.CorrelationKey
	generated := false
	if token == "" {
		token = uuid.NewString()
		generated = true
	}
	return &Result{
		Suspend:     true,
		WaitToken:   token,
		Diagnostics: map[string]any{"wait_token": token, "generated": generated},
	}, nil
}
