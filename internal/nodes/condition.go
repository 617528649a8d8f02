package nodes

import (
	"context"
	"strconv"
	"strings"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// ConditionExecutor implements the condition node kind: an operator over two
// resolved operands, or a CEL/Expr predicate over vars.
type ConditionExecutor struct {
	predicates *expressions.Predicates
}

// NewConditionExecutor creates a Condition executor. predicates may be nil
// when no node uses expression mode.
func NewConditionExecutor(predicates *expressions.Predicates) *ConditionExecutor {
	return &ConditionExecutor{predicates: predicates}
}

func (e *ConditionExecutor) Kind() schema.NodeKind { return schema.NodeKindCondition }

// Resolve expands the operands. Expression text is never templated.
func (e *ConditionExecutor) Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig {
	c, ok := cfg.(schema.ConditionConfig)
	if !ok {
		return cfg
	}
	if c.Expression == "" {
		c.Left = r.Resolve(c.Left)
		c.Right = r.Resolve(c.Right)
	}
	return c
}

func (e *ConditionExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	c, ok := in.Config.(schema.ConditionConfig)
	if !ok {
		return nil, executorError(in.NodeID, "condition: unexpected config %T", in.Config)
	}

	var (
		outcome bool
		diag    map[string]any
	)
	if c.Expression != "" {
		diag = map[string]any{"expression": c.Expression, "engine": engineName(c.Engine)}
		if e.predicates == nil {
			return &Result{Diagnostics: diag}, executorError(in.NodeID, "condition: expression mode is not configured")
		}
		engine, err := e.predicates.Get(c.Engine)
		if err != nil {
			return &Result{Diagnostics: diag}, asExecutorError(in.NodeID, err)
		}
		outcome, err = expressions.EvaluateBool(ctx, engine, c.Expression, in.Vars)
		if err != nil {
			diag["error"] = err.Error()
			return &Result{Diagnostics: diag}, asExecutorError(in.NodeID, err)
		}
	} else {
		diag = map[string]any{"left": c.Left, "operator": string(c.Operator), "right": c.Right}
		var err error
		outcome, err = Compare(c.Operator, c.Left, c.Right, c.CaseInsensitive)
		if err != nil {
			diag["error"] = err.Error()
			return &Result{Diagnostics: diag}, asExecutorError(in.NodeID, err)
		}
	}

	diag["result"] = outcome
	handle := schema.HandleFalse
	if outcome {
		handle = schema.HandleTrue
	}
	return &Result{Handle: handle, Diagnostics: diag}, nil
}

// Compare evaluates op over two resolved operands. Numeric operators require
// both operands to parse as numbers; eq and neq compare numerically when both
// do and textually otherwise.
func Compare(op schema.ConditionOperator, left, right string, caseInsensitive bool) (bool, error) {
	if caseInsensitive {
		left, right = strings.ToLower(left), strings.ToLower(right)
	}
	switch op {
	case schema.OpEquals:
		return equal(left, right), nil
	case schema.OpNotEquals:
		return !equal(left, right), nil
	case schema.OpContains:
		return strings.Contains(left, right), nil
	case schema.OpNotContains:
		return !strings.Contains(left, right), nil
	case schema.OpEmpty:
		return strings.TrimSpace(left) == "", nil
	case schema.OpNotEmpty:
		return strings.TrimSpace(left) != "", nil
	case schema.OpGreater, schema.OpGreaterEq, schema.OpLess, schema.OpLessEq:
		l, err := parseNumber(left)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeExecutor, "condition: left operand %q is not a number", left)
		}
		r, err := parseNumber(right)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeExecutor, "condition: right operand %q is not a number", right)
		}
		switch op {
		case schema.OpGreater:
			return l > r, nil
		case schema.OpGreaterEq:
			return l >= r, nil
		case schema.OpLess:
			return l < r, nil
		default:
			return l <= r, nil
		}
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecutor, "condition: unknown operator %q", op)
	}
}

func equal(left, right string) bool {
	if left == right {
		return true
	}
	l, errL := parseNumber(left)
	r, errR := parseNumber(right)
	return errL == nil && errR == nil && l == r
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func engineName(name string) string {
	if name == "" {
		return "cel"
	}
	return name
}

// asExecutorError tags err with the node, converting it to EXECUTOR_ERROR.
func asExecutorError(nodeID string, err error) *schema.FlowError {
	return schema.NewError(schema.ErrCodeExecutor, err.Error()).WithNode(nodeID).WithCause(err)
}
