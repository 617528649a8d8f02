package validation

import "github.com/rendis/flowpilot/pkg/schema"

// Validator checks graph definitions before they are saved.
// Uses JSON Schema Draft 2020-12 for the structural stage.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
}

// ExpressionChecker compiles Condition predicates without evaluating them.
// *expressions.Predicates satisfies it.
type ExpressionChecker interface {
	Compile(engine, expression string) error
}

// PathChecker compiles extraction paths. *expressions.GoJQEngine satisfies it.
type PathChecker interface {
	Compile(expression string) error
}
