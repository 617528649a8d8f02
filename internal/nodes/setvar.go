package nodes

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// SetVariableExecutor implements the set_variable node kind.
type SetVariableExecutor struct{}

func NewSetVariableExecutor() *SetVariableExecutor { return &SetVariableExecutor{} }

func (e *SetVariableExecutor) Kind() schema.NodeKind { return schema.NodeKindSetVariable }

func (e *SetVariableExecutor) Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig {
	c, ok := cfg.(schema.SetVariableConfig)
	if !ok {
		return cfg
	}
	c.Value = r.Resolve(c.Value)
	if len(c.Assignments) > 0 {
		resolved := make([]schema.Assignment, len(c.Assignments))
		for i, a := range c.Assignments {
			a.Value = r.Resolve(a.Value)
			resolved[i] = a
		}
		c.Assignments = resolved
	}
	return c
}

func (e *SetVariableExecutor) Execute(_ context.Context, in Input) (*Result, error) {
	c, ok := in.Config.(schema.SetVariableConfig)
	if !ok {
		return nil, executorError(in.NodeID, "set_variable: unexpected config %T", in.Config)
	}

	vars := make(map[string]any)
	keys := make([]string, 0, len(c.Assignments)+1)
	for _, a := range c.All() {
		if !a.ParseJSON {
			vars[a.Key] = a.Value
			keys = append(keys, a.Key)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(a.Value), &v); err != nil {
			return &Result{Diagnostics: map[string]any{"key": a.Key, "error": err.Error()}},
				executorError(in.NodeID, "set_variable: %s is not valid JSON: %v", a.Key, err)
		}
		vars[a.Key] = v
		keys = append(keys, a.Key)
	}

	return &Result{
		Handle:      schema.HandleDone,
		Variables:   vars,
		Diagnostics: map[string]any{"keys": keys},
	}, nil
}
