// Package apperr defines the error taxonomy shared by the core components
// and the HTTP boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthorized
	NotFound
	Conflict
	Gone
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case RateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus maps a Kind to its response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Msg is safe to show to clients; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without a cause. Suitable for package-level sentinels.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a cause to a classified message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the Kind of the first classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Internal
}

// kinded lets detail-carrying error types classify themselves.
type kinded interface {
	error
	Kind() Kind
}

// Message returns the client-facing message for err. Causes are never
// exposed, and unclassified errors get a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Error()
	}
	return "internal server error"
}
