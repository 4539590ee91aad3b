// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by use cases
// and mapped to appropriate HTTP status codes by handlers.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBadRequest indicates malformed local input that never reached business logic.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized indicates the request lacks valid authentication credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the authenticated user doesn't have permission.
	ErrForbidden = errors.New("forbidden")

	// ErrTooManyRequests indicates the caller exceeded a traffic limit.
	ErrTooManyRequests = errors.New("too many requests")
)

// Numeric error codes returned to API callers so they can branch on `code`
// without parsing messages. Codes are stable; messages are not.
const (
	CodeInvalidCredentials = 1001
	CodeTokenMismatch      = 1002
	CodeTimedOut           = 1003
	CodeCaptchaRequired    = 1004
	CodeUserNotFound       = 1005
	CodeMockRoleDenied     = 1006

	CodeForbidden          = 2001
	CodeMaxBatchExceeded   = 2002
	CodeItemQuotaReached   = 2003
	CodeUsageQuotaReached  = 2004
	CodeSecureModeRequired = 2005
	CodeCommandCooldown    = 2006

	CodeTooManyRequests = 3001

	CodeBadRequest = 4001
)

// AppError is a structured domain error carrying a stable numeric code and
// optional machine-readable data (e.g. quota numbers, unlock time). It wraps
// one of the sentinel errors above so callers can still use errors.Is.
type AppError struct {
	Message string
	Code    int
	Data    map[string]any
	kind    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying sentinel so errors.Is(err, ErrForbidden) works.
func (e *AppError) Unwrap() error {
	return e.kind
}

// NewAppError creates a structured error wrapping the given sentinel.
func NewAppError(kind error, code int, message string, data map[string]any) *AppError {
	return &AppError{
		Message: message,
		Code:    code,
		Data:    data,
		kind:    kind,
	}
}

// Unauthorized creates a coded Unauthorized error.
func Unauthorized(code int, message string, data map[string]any) *AppError {
	return NewAppError(ErrUnauthorized, code, message, data)
}

// Forbidden creates a coded Forbidden error.
func Forbidden(code int, message string, data map[string]any) *AppError {
	return NewAppError(ErrForbidden, code, message, data)
}

// TooManyRequests creates a coded TooManyRequests error.
func TooManyRequests(message string, data map[string]any) *AppError {
	return NewAppError(ErrTooManyRequests, CodeTooManyRequests, message, data)
}

// BadRequest creates a coded BadRequest error.
func BadRequest(message string) *AppError {
	return NewAppError(ErrBadRequest, CodeBadRequest, message, nil)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context while preserving the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
