// Package errkind defines the closed set of structured error kinds shared
// across agentcore components, and a typed error carrying one.
package errkind

import "fmt"

// Kind is a closed classification of failure used to decide propagation and
// wire-level mapping throughout the control plane.
type Kind string

const (
	// InvalidRequest marks a schema or validation failure.
	InvalidRequest Kind = "invalid_request"
	// NotFound marks a missing artifact, session, or other named entity.
	NotFound Kind = "not_found"
	// Unavailable marks a disabled or unready subsystem.
	Unavailable Kind = "unavailable"
	// PolicyDenied marks a capability or approval-gate denial.
	PolicyDenied Kind = "policy_denied"
	// RateLimited marks a tool-guard or pair rate-limit denial.
	RateLimited Kind = "rate_limited"
	// Timeout marks a run-deadline expiry.
	Timeout Kind = "timeout"
	// Retryable marks an error the model router should fall back from.
	Retryable Kind = "retryable"
	// Terminal marks an error that must not be retried (bad auth, disallowed model).
	Terminal Kind = "terminal"
	// CircuitOpen marks a candidate skipped without an attempt.
	CircuitOpen Kind = "circuit_open"
	// Internal marks an unexpected failure.
	Internal Kind = "internal"
	// DataCorruption marks an artifact whose metadata exists but payload is missing.
	DataCorruption Kind = "data_corruption"
)

// Error is a structured error carrying a Kind, a human-readable message, and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, errkind.New(errkind.NotFound, "")) style checks work when
// callers compare against a sentinel built with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, defaulting
// to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WireCode maps a Kind to the four-member wire error code set from the
// delegation gateway's RPC envelope.
func WireCode(k Kind) string {
	switch k {
	case InvalidRequest:
		return "INVALID_REQUEST"
	case NotFound:
		return "NOT_FOUND"
	case Unavailable, PolicyDenied, RateLimited, Timeout, CircuitOpen:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
