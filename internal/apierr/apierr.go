// Package apierr defines the error kinds surfaced by ApiSurface and the
// HTTP status each maps to (spec.md §7).
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error the way ApiSurface needs to render it.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	Unauthenticated
	NotFound
	MethodNotAllowed
	Conflict
	Unavailable
	UpstreamFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case Unauthenticated:
		return "Unauthenticated"
	case NotFound:
		return "NotFound"
	case MethodNotAllowed:
		return "MethodNotAllowed"
	case Conflict:
		return "Conflict"
	case Unavailable:
		return "Unavailable"
	case UpstreamFailed:
		return "UpstreamFailed"
	default:
		return "Internal"
	}
}

// HTTPStatus returns the status code ApiSurface should send for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidArgument, Conflict:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case Unavailable:
		return http.StatusInternalServerError
	case UpstreamFailed:
		return http.StatusOK // dispatch succeeded; delivery failure is recorded, not surfaced as an API error
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed, wrapped error carrying a Kind for dispatch.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Invalid is shorthand for New(InvalidArgument, ...).
func Invalid(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
