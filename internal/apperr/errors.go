// Package apperr defines the typed errors surfaced by the stock data service.
// Every error carries a stable machine-readable code and a human-readable
// message; handlers map codes to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable error code exposed to API clients.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeSymbolNotFound  Code = "SYMBOL_NOT_FOUND"
	CodeDataUnavailable Code = "DATA_UNAVAILABLE"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeStore           Code = "STORE_ERROR"
	CodeTimeout         Code = "TIMEOUT"
)

// Error is the typed error returned across service boundaries.
type Error struct {
	Code    Code
	Message string

	// Field names the offending request field for validation errors.
	Field string

	// RetryAfter tells the client when the quota window resets.
	// Only set for QUOTA_EXCEEDED.
	RetryAfter time.Duration

	// Partial indicates some (stale or incomplete) data existed but was
	// insufficient. Only meaningful for DATA_UNAVAILABLE.
	Partial bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Unauthenticated signals a missing or invalid credential.
func Unauthenticated(message string) *Error {
	return &Error{Code: CodeUnauthenticated, Message: message}
}

// Forbidden signals a disabled identity or an insufficient role/scope.
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

// QuotaExceeded signals that a rate budget was exhausted.
func QuotaExceeded(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeQuotaExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// SymbolNotFound signals that the upstream provider confirmed the symbol
// does not exist. Not retried.
func SymbolNotFound(symbol string) *Error {
	return &Error{
		Code:    CodeSymbolNotFound,
		Message: fmt.Sprintf("symbol not found: %s", symbol),
	}
}

// DataUnavailable signals that neither the store nor the provider could
// produce usable data.
func DataUnavailable(message string, partial bool, cause error) *Error {
	return &Error{Code: CodeDataUnavailable, Message: message, Partial: partial, cause: cause}
}

// Validation signals a malformed request field.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// Timeout signals that the caller's deadline expired while work was still
// in flight. The work itself may complete after the caller is gone.
func Timeout(message string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: message, cause: cause}
}

// Store wraps a persistence failure. Logged in full, surfaced to clients as
// a generic infrastructure fault.
func Store(cause error) *Error {
	return &Error{Code: CodeStore, Message: "storage failure", cause: cause}
}

// CodeOf extracts the error code, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
