// Package apperror provides structured error handling for the transaction layer.
// All coordinator errors must use AppError so callers can match them by code.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Propagation decisions that cannot be honoured
	CodeIllegalTransactionState = "ILLEGAL_TRANSACTION_STATE"
	CodeNestedNotSupported      = "NESTED_TRANSACTION_NOT_SUPPORTED"

	// Programming errors
	CodeTransactionUsage  = "TRANSACTION_USAGE_ERROR"
	CodeInvalidDefinition = "INVALID_TRANSACTION_DEFINITION"

	// Outcome differs from what the caller asked for
	CodeUnexpectedRollback = "UNEXPECTED_ROLLBACK"

	// Physical resource errors (begin/commit/rollback I/O)
	CodeResourceFailure = "RESOURCE_FAILURE"
)

// AppError is the standard error type for the platform.
// Two AppErrors match under errors.Is when their codes are equal, so a
// code-only value works as a sentinel.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (propagation, frame id, depth)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// New creates an error with an arbitrary code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewIllegalTransactionState is returned when a propagation behavior forbids
// the current transaction state (NEVER inside a transaction, MANDATORY outside one).
func NewIllegalTransactionState(message string) *AppError {
	return &AppError{
		Code:    CodeIllegalTransactionState,
		Message: message,
	}
}

// NewNestedNotSupported is returned for NESTED propagation on a resource without savepoints.
func NewNestedNotSupported(resource string) *AppError {
	return &AppError{
		Code:    CodeNestedNotSupported,
		Message: "resource does not support savepoints",
		Details: map[string]any{"resource": resource},
	}
}

// NewTransactionUsage reports a programming error such as completing
// a handle out of stack order.
func NewTransactionUsage(message string) *AppError {
	return &AppError{
		Code:    CodeTransactionUsage,
		Message: message,
	}
}

// NewInvalidDefinition reports a malformed transaction definition.
func NewInvalidDefinition(field string, value any) *AppError {
	return &AppError{
		Code:    CodeInvalidDefinition,
		Message: fmt.Sprintf("invalid transaction definition: %s", field),
		Details: map[string]any{"field": field, "value": value},
	}
}

// NewUnexpectedRollback is returned by a commit whose transaction was rolled back
// because it had been marked rollback-only.
func NewUnexpectedRollback(message string) *AppError {
	return &AppError{
		Code:    CodeUnexpectedRollback,
		Message: message,
	}
}

// NewResourceFailure wraps an error raised by the physical resource.
func NewResourceFailure(op string, err error) *AppError {
	return &AppError{
		Code:    CodeResourceFailure,
		Message: fmt.Sprintf("%s failed", op),
		Details: map[string]any{"operation": op},
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode checks whether any AppError in the chain carries code.
func HasCode(err error, code string) bool {
	return errors.Is(err, New(code, ""))
}

// IsUnexpectedRollback checks if error is CodeUnexpectedRollback
func IsUnexpectedRollback(err error) bool {
	return HasCode(err, CodeUnexpectedRollback)
}
