package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeUnauthorized  ErrorType = "unauthorized"
	ErrorTypeForbidden     ErrorType = "forbidden"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeFailSafe      ErrorType = "fail_safe"
	ErrorTypeInternal      ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrPolicyNotFound     = NewDomainError(ErrorTypeNotFound, "gate policy not found", nil)
	ErrDecisionNotFound   = NewDomainError(ErrorTypeNotFound, "enforcement decision not found", nil)
	ErrApprovalNotFound   = NewDomainError(ErrorTypeNotFound, "approval request not found", nil)
	ErrActionNotFound     = NewDomainError(ErrorTypeNotFound, "action execution not found", nil)
	ErrAllocationNotFound = NewDomainError(ErrorTypeNotFound, "budget allocation not found", nil)

	// Validation Errors
	ErrInvalidInput          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidPolicyConfig   = NewDomainError(ErrorTypeValidation, "invalid policy configuration", nil)
	ErrInvalidSource         = NewDomainError(ErrorTypeValidation, "invalid request source", nil)
	ErrInvalidAction         = NewDomainError(ErrorTypeValidation, "invalid action type", nil)
	ErrInvalidAmount         = NewDomainError(ErrorTypeValidation, "invalid monetary amount", nil)
	ErrIdempotencyKeyTooLong = NewDomainError(ErrorTypeValidation, "idempotency key exceeds maximum length", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid approval token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "approval token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)
	ErrSelfApproval            = NewDomainError(ErrorTypeForbidden, "requester cannot review their own request", nil)
	ErrTenantMismatch          = NewDomainError(ErrorTypeForbidden, "tenant mismatch", nil)

	// Conflict Errors
	ErrConcurrentUpdate    = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)
	ErrApprovalNotPending  = NewDomainError(ErrorTypeConflict, "approval request is not pending", nil)
	ErrTokenAlreadyUsed    = NewDomainError(ErrorTypeConflict, "approval token already consumed", nil)
	ErrActionNotLeasable   = NewDomainError(ErrorTypeConflict, "action is not available for lease", nil)
	ErrActionNotOwned      = NewDomainError(ErrorTypeConflict, "action lease is held by another worker", nil)
	ErrReservationReleased = NewDomainError(ErrorTypeConflict, "reservation is no longer active", nil)
	ErrAlreadyReconciled   = NewDomainError(ErrorTypeConflict, "decision already reconciled with different input", nil)
	ErrLedgerImmutable     = NewDomainError(ErrorTypeConflict, "ledger entries cannot be modified", nil)

	// Configuration Errors
	ErrMissingSigningSecret = NewDomainError(ErrorTypeConfiguration, "token signing secret not configured", nil)

	// Fail-Safe Errors carry enough context for the caller to synthesize
	// a mode-dependent decision instead of surfacing a transport failure.
	ErrEvaluationTimeout = NewDomainError(ErrorTypeFailSafe, "gate evaluation timed out", nil)
	ErrEvaluationFailed  = NewDomainError(ErrorTypeFailSafe, "gate evaluation failed", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConfiguration
	}
	return false
}

// IsFailSafeError checks if an error should trigger fail-safe decision synthesis
func IsFailSafeError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeFailSafe
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
