package shared

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes used across the engine
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeVoidWindowExpired      = "VOID_WINDOW_EXPIRED"
	CodeLedgerPosted           = "LEDGER_POSTED"
	CodeOverpayment            = "OVERPAYMENT"
	CodeRetryExhausted         = "RETRY_EXHAUSTED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeTransientStore         = "TRANSIENT_STORE_ERROR"
	CodePermanentStore         = "PERMANENT_STORE_ERROR"
)

// NewValidationError creates a validation error (bad input, never retried)
func NewValidationError(format string, args ...any) *DomainError {
	return NewDomainError(CodeValidation, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates a not-found error for a referenced entity
func NewNotFoundError(entity, id string) *DomainError {
	return NewDomainError(CodeNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

// NewInvalidTransitionError creates a state-machine rejection error
func NewInvalidTransitionError(from, event string) *DomainError {
	return NewDomainError(CodeInvalidTransition, fmt.Sprintf("transition not allowed: %s --%s-->", from, event))
}

// NewConcurrentModificationError signals a target already claimed by another payment
func NewConcurrentModificationError(message string) *DomainError {
	return NewDomainError(CodeConcurrentModification, message)
}

// NewTransientStoreError wraps a storage failure that may succeed on retry
func NewTransientStoreError(message string) *DomainError {
	return NewDomainError(CodeTransientStore, message)
}

// NewRetryExhaustedError signals that no further attempts are allowed
func NewRetryExhaustedError(message string) *DomainError {
	return NewDomainError(CodeRetryExhausted, message)
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError(CodeNotFound, "Resource not found")
	ErrInvalidInput        = NewDomainError(CodeValidation, "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError(CodeConcurrentModification, "Resource was modified by another process")
	ErrInvalidState        = NewDomainError(CodeInvalidTransition, "Operation not allowed in current state")
)

// ErrorCode extracts the domain error code, or empty string for plain errors
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the error class is worth retrying.
// Only transient storage failures qualify; validation, not-found and
// transition rejections are permanent by definition.
func IsRetryable(err error) bool {
	return ErrorCode(err) == CodeTransientStore
}

// IsNotFound reports whether the error is a not-found rejection
func IsNotFound(err error) bool {
	return ErrorCode(err) == CodeNotFound
}
