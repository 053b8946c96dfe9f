// Package apierr defines the transport-agnostic error taxonomy
// (spec.md §7) and its JSON envelope, carried from core operations up
// through the HTTP transport.
package apierr

import "net/http"

// Code is one of the taxonomy entries named in spec.md §7.
type Code string

const (
	Unauthenticated Code = "UNAUTHENTICATED"
	Forbidden       Code = "FORBIDDEN"
	NotFound        Code = "NOT_FOUND"
	Conflict        Code = "CONFLICT"
	InvalidArgument Code = "INVALID_ARGUMENT"
	Gone            Code = "GONE"
	Unavailable     Code = "UNAVAILABLE"
	Internal        Code = "INTERNAL"
)

// httpStatus maps each taxonomy code to its HTTP mapping.
var httpStatus = map[Code]int{
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	InvalidArgument: http.StatusBadRequest,
	Gone:            http.StatusGone,
	Unavailable:     http.StatusServiceUnavailable,
	Internal:        http.StatusInternalServerError,
}

// HTTPStatus returns the status code a transport should use for c.
func HTTPStatus(c Code) int {
	if status, ok := httpStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a taxonomy-coded error. Core operations return *Error so
// transports can map it without string-sniffing.
type Error struct {
	Code    Code
	Message string
	// Details carries structured context, e.g. a reservation conflict's
	// current holder (spec.md §7, CONFLICT).
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error that preserves cause for %w-style unwrapping
// while presenting message/code to callers.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err carries a taxonomy code, returning it if so.
func As(err error) (*Error, bool) {
	apiErr, ok := err.(*Error)
	return apiErr, ok
}
