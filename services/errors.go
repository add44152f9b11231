package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeUnauthenticated  ErrorType = "unauthenticated"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeTokenExpired     ErrorType = "token_expired"
	ErrorTypeTokenInvalid     ErrorType = "token_invalid"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInternal         ErrorType = "internal"
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

// Domain error variables. Compare with errors.Is; never mutate them with WithDetail.

var (
	// Validation Errors
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidSignature  = NewDomainError(ErrorTypeValidation, "invalid request signature", nil)
	ErrUnknownRole       = NewDomainError(ErrorTypeValidation, "unknown role", nil)
	ErrUnknownPermission = NewDomainError(ErrorTypeValidation, "unknown permission", nil)

	// Unknown and inactive identities are reported the same way
	ErrUnauthenticated = NewDomainError(ErrorTypeUnauthenticated, "unauthenticated", nil)

	ErrPermissionDenied = NewDomainError(ErrorTypeForbidden, "permission denied", nil)

	ErrTokenExpired = NewDomainError(ErrorTypeTokenExpired, "authentication token expired", nil)
	ErrTokenInvalid = NewDomainError(ErrorTypeTokenInvalid, "invalid authentication token", nil)

	ErrStoreUnavailable = NewDomainError(ErrorTypeStoreUnavailable, "backing store unavailable", nil)

	ErrMappingNotFound = NewDomainError(ErrorTypeNotFound, "identity mapping not found", nil)
	ErrSessionNotFound = NewDomainError(ErrorTypeNotFound, "session not found", nil)

	ErrDuplicateLocalID = NewDomainError(ErrorTypeConflict, "local id already mapped", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthenticatedError checks if an error reports an unknown or inactive caller
func IsUnauthenticatedError(err error) bool { return hasType(err, ErrorTypeUnauthenticated) }

// IsForbiddenError checks if an error is a permission error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsTokenExpiredError checks if an error is an expired token error
func IsTokenExpiredError(err error) bool { return hasType(err, ErrorTypeTokenExpired) }

// IsTokenInvalidError checks if an error is a malformed or tampered token error
func IsTokenInvalidError(err error) bool { return hasType(err, ErrorTypeTokenInvalid) }

// IsStoreUnavailableError checks if an error comes from a store fault or timeout
func IsStoreUnavailableError(err error) bool { return hasType(err, ErrorTypeStoreUnavailable) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

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

// WrapStoreUnavailable wraps a key-value or database fault.
// Already-classified domain errors pass through untouched.
func WrapStoreUnavailable(message string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return NewDomainError(ErrorTypeStoreUnavailable, message, err)
}
