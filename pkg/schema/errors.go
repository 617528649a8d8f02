package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeStructural        = "STRUCTURAL_ERROR"
	ErrCodeMissingVariable   = "MISSING_VARIABLE"
	ErrCodeExecutor          = "EXECUTOR_ERROR"
	ErrCodeLoopGuardTripped  = "LOOP_GUARD_TRIPPED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeDuplicateDispatch = "DUPLICATE_DISPATCH"

	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNoMatchingInstance = "NO_MATCHING_INSTANCE"
	ErrCodeTerminalFailure    = "TERMINAL_FAILURE"
)

// FlowError is the structured error type used across the engine.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// FailureReason is the structured explanation retained on a failed instance.
type FailureReason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ReasonFromError converts an error into a FailureReason, preserving FlowError fields.
func ReasonFromError(err error) *FailureReason {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return &FailureReason{Code: fe.Code, Message: fe.Message, NodeID: fe.NodeID, Details: fe.Details}
	}
	return &FailureReason{Code: ErrCodeExecutor, Message: err.Error()}
}
