package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error surfaced by the credit core
type ErrorType string

const (
	// ErrorTypeInsufficientFunds represents a balance lower than the requested debit (402)
	ErrorTypeInsufficientFunds ErrorType = "insufficient_funds"
	// ErrorTypeInvalidAmount represents a non-positive credit amount (400)
	ErrorTypeInvalidAmount ErrorType = "invalid_amount"
	// ErrorTypeConstraintViolation represents a storage constraint breach (409)
	ErrorTypeConstraintViolation ErrorType = "constraint_violation"
	// ErrorTypeStorageUnavailable represents an unreachable ledger store (503)
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"
	// ErrorTypeUpstreamUnavailable represents upstream 5xx / network failures (502)
	ErrorTypeUpstreamUnavailable ErrorType = "upstream_unavailable"
	// ErrorTypeUpstreamRateLimited represents upstream throttling (429)
	ErrorTypeUpstreamRateLimited ErrorType = "upstream_rate_limited"
	// ErrorTypeTimeout represents an external call exceeding its bound (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCancelled represents a user or system initiated cancellation
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeValidation represents request validation errors (400)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents a missing resource (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrorTypeInvalidAmount, ErrorTypeValidation, ErrorTypeCancelled:
		return http.StatusBadRequest
	case ErrorTypeConstraintViolation:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorTypeOf extracts the ErrorType from any error, ErrorTypeInternal when unclassified
func ErrorTypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsErrorType reports whether err carries the given ErrorType
func IsErrorType(err error, t ErrorType) bool {
	return ErrorTypeOf(err) == t
}

// NewInsufficientFundsError creates an insufficient funds error with balance context
func NewInsufficientFundsError(balance, required int64) *AppError {
	return &AppError{
		Type:       ErrorTypeInsufficientFunds,
		Message:    fmt.Sprintf("insufficient credits: balance=%d, required=%d", balance, required),
		Code:       "INSUFFICIENT_FUNDS",
		StatusCode: http.StatusPaymentRequired,
		Retryable:  false,
	}
}

// NewInvalidAmountError creates an invalid amount error
func NewInvalidAmountError(amount int64) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidAmount,
		Message:    fmt.Sprintf("credit amount must be positive, got %d", amount),
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

// NewConstraintViolationError creates a constraint violation error
func NewConstraintViolationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeConstraintViolation,
		Message:    message,
		StatusCode: http.StatusConflict,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewStorageUnavailableError creates a storage unavailable error
func NewStorageUnavailableError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeStorageUnavailable,
		Message:    fmt.Sprintf("ledger store unavailable during %s", operation),
		Code:       "STORAGE_UNAVAILABLE",
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewUpstreamUnavailableError creates an upstream unavailable error
func NewUpstreamUnavailableError(upstream string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstreamUnavailable,
		Message:    fmt.Sprintf("upstream %s unavailable", upstream),
		Code:       "UPSTREAM_UNAVAILABLE",
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewUpstreamRateLimitedError creates an upstream rate limited error
func NewUpstreamRateLimitedError(upstream string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstreamRateLimited,
		Message:    fmt.Sprintf("upstream %s rate limited", upstream),
		Code:       "UPSTREAM_RATE_LIMITED",
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    fmt.Sprintf("operation %s timed out", operation),
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewCancelledError creates a cancellation error
func NewCancelledError(operation string, cause error) *AppError {
	return &AppError{
		Type:      ErrorTypeCancelled,
		Message:   fmt.Sprintf("operation %s cancelled", operation),
		Retryable: false,
		Cause:     cause,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		// Return a copy without internal details
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
		}
	}

	// For unknown errors, return a generic internal error
	return NewInternalError("an unexpected error occurred", err)
}
