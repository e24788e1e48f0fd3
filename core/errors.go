package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Entity lookup errors
	ErrExecutionNotFound    = errors.New("pipeline execution not found")
	ErrStepNotFound         = errors.New("step execution not found")
	ErrSubscriptionNotFound = errors.New("execution subscription not found")
	ErrActionNotFound       = errors.New("action type not registered")

	// Concurrency errors
	ErrOptimisticLock  = errors.New("optimistic lock conflict: stale version")
	ErrRetryExhausted  = errors.New("maximum retries exceeded")
	ErrDuplicateEntity = errors.New("entity already exists")

	// Validation errors
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrInvalidTopic      = errors.New("invalid callback topic name")
	ErrInvalidParams     = errors.New("invalid action parameters")
	ErrNotJSONValue      = errors.New("value is not JSON-representable")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrExecutionTerminal  = errors.New("pipeline execution already terminal")
	ErrStepTerminal       = errors.New("step execution already terminal")
	ErrStoreUnavailable   = errors.New("persistence store unavailable")
	ErrServiceUnavailable = errors.New("downstream service unavailable")
	ErrRequestFailed      = errors.New("downstream request failed")
)

// Error kinds, one per failure class the engine distinguishes.
const (
	KindValidation      = "validation"
	KindTemplate        = "template"
	KindAction          = "action"
	KindExternalService = "external_service"
	KindConflict        = "conflict"
	KindTimeout         = "timeout"
	KindStore           = "store"
	KindNotFound        = "not_found"
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "engine.StartExecution")
	Kind    string // Error kind (one of the Kind* constants)
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError wrapping err.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrActionNotFound) {
		return true
	}
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindNotFound
}

// IsConflict checks if an error is a version conflict (optimistic locking).
func IsConflict(err error) bool {
	if errors.Is(err, ErrOptimisticLock) || errors.Is(err, ErrDuplicateEntity) {
		return true
	}
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindConflict
}

// IsRetryable checks if an error is worth retrying. Version conflicts are
// retryable by re-reading; transient store and downstream failures may clear.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOptimisticLock) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsValidation checks if an error belongs to the validation class.
func IsValidation(err error) bool {
	if errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrInvalidTopic) ||
		errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrNotJSONValue) {
		return true
	}
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindValidation
}
