package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Engine evaluates an expression against an instance's variables.
// Two predicate implementations (CEL, Expr) and one extraction engine (GoJQ).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates a predicate and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecutor,
			"%s predicate %q returned %s, want bool", e.Name(), expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Predicates selects the predicate engine a Condition node names.
type Predicates struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewPredicates builds the CEL and Expr engines.
func NewPredicates() (*Predicates, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Predicates{cel: celEngine, expr: NewExprEngine()}, nil
}

// Get returns the engine for name. An empty name selects CEL.
func (p *Predicates) Get(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return p.cel, nil
	case "expr":
		return p.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown predicate engine %q (want cel or expr)", name)
	}
}

// Compile checks expression against the named engine without evaluating it.
func (p *Predicates) Compile(name, expression string) error {
	e, err := p.Get(name)
	if err != nil {
		return err
	}
	c, ok := e.(interface{ Compile(string) error })
	if !ok {
		return nil
	}
	return c.Compile(expression)
}
