package validation

import (
	"errors"

	"github.com/rendis/flowpilot/pkg/schema"
)

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (entry, kinds, configs, handles, edges, variable keys)
// 3. Reachability (warnings only)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewGraphValidator creates a GraphValidator. predicates and paths may be nil
// to skip expression and extraction-path compilation.
func NewGraphValidator(predicates ExpressionChecker, paths PathChecker) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		semantic:   &semanticChecker{predicates: predicates, paths: paths},
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and reachability stages are skipped.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeStructural, "graph definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(gv.semantic.validateSemantic(def))

	// Stage 3: Reachability (skip if semantic errors; edges may dangle).
	if result.Valid() {
		result.Merge(validateReachability(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (gv *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeStructural, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeStructural, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeStructural, fe.Message)
	return result
}

var _ Validator = (*GraphValidator)(nil)
