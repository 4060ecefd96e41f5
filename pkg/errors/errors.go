package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an AppError for callers and HTTP mapping
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	// ErrorTypeForbidden indicates the caller does not own the resource
	ErrorTypeForbidden ErrorType = "FORBIDDEN"
	ErrorTypeInternal  ErrorType = "INTERNAL"
	// ErrorTypeExternal indicates a provider or backing service failed
	ErrorTypeExternal ErrorType = "EXTERNAL"
)

// Retryable reports whether repeating the same operation can succeed. Caller
// mistakes never become retryable by waiting.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeUnauthorized, ErrorTypeForbidden:
		return false
	}
	return true
}

// AppError is the error type returned across service boundaries
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError of type t wrapping err, which may be nil.
func New(t ErrorType, message string, err error) *AppError {
	return &AppError{Type: t, Message: message, Err: err}
}

func NewNotFoundError(message string) *AppError {
	return New(ErrorTypeNotFound, message, nil)
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, nil)
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message, nil)
}

func NewUnauthorizedError(message string) *AppError {
	return New(ErrorTypeUnauthorized, message, nil)
}

func NewForbiddenError(message string) *AppError {
	return New(ErrorTypeForbidden, message, nil)
}

func NewInternalError(message string, err error) *AppError {
	return New(ErrorTypeInternal, message, err)
}

func NewExternalError(message string, err error) *AppError {
	return New(ErrorTypeExternal, message, err)
}

// TypeOf returns the ErrorType of the first AppError in the chain, or
// ErrorTypeInternal when err carries none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err wraps an AppError of type t
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// IsRetryable reports whether a failed operation is worth scheduling again.
// Errors without an AppError in their chain are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return TypeOf(err).Retryable()
}

// MessageOf returns the human-readable message of an AppError, falling back
// to a generic string so raw internal errors never reach callers.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
