// Package kinderr classifies expected failure states so that transport
// layers can map them to status codes without inspecting error text.
// Only errors without a Kind are treated as internal (HTTP 500).
package kinderr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of expected failure.
type Kind int

const (
	// Internal is the zero value: an unexpected programmer or
	// infrastructure error.
	Internal Kind = iota
	// Validation means the caller supplied invalid arguments.
	Validation
	// NotFound means a referenced agent/ticket/conversation does not exist.
	NotFound
	// Conflict means an illegal state transition or duplicate key.
	Conflict
	// Busy means a session lock is held, a circuit is open, or a
	// half-open probe slot is taken. Retryable.
	Busy
	// Timeout means a lock-acquire, execution, or supervisor deadline expired.
	Timeout
	// Upstream means the CLI failed: spawn error, non-zero exit, or
	// unparseable output.
	Upstream
	// Schema means a payload failed schema validation.
	Schema
	// Integrity means a persistent-store invariant was violated.
	Integrity
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case Upstream:
		return "upstream"
	case Schema:
		return "schema"
	case Integrity:
		return "integrity"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Schema:
		return http.StatusUnprocessableEntity
	case Busy:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a Kind and an optional retry hint.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration // non-zero only for Busy
	Err        error         // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// BusyAfter creates a Busy error carrying a retry hint.
func BusyAfter(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: Busy, Msg: msg, RetryAfter: retryAfter}
}

// KindOf extracts the Kind from err, or Internal if err carries none.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
