// Package apperr defines the error taxonomy shared across the engine:
// Transient, InvalidInput, RiskReject, and Fatal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions.
type Kind string

const (
	// Transient covers network errors, LLM timeouts, feed disconnects. Retry with backoff, continue.
	Transient Kind = "transient"
	// InvalidInput covers malformed LLM JSON or a validator rejecting a condition. Log and skip the item.
	InvalidInput Kind = "invalid_input"
	// RiskReject covers exposure/position-cap/cooldown/blacklist rejections. Log and skip silently; normal operation.
	RiskReject Kind = "risk_reject"
	// Fatal covers unrecoverable boot failures: cannot open store, cannot bind dashboard port, clock skew.
	Fatal Kind = "fatal"
)

// Error wraps an underlying error with a Kind for errors.As-based dispatch.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transientf builds a Transient error with a formatted message.
func Transientf(op, format string, args ...any) *Error {
	return New(Transient, op, fmt.Errorf(format, args...))
}

// InvalidInputf builds an InvalidInput error with a formatted message.
func InvalidInputf(op, format string, args ...any) *Error {
	return New(InvalidInput, op, fmt.Errorf(format, args...))
}

// RiskRejectf builds a RiskReject error with a formatted message.
func RiskRejectf(op, format string, args ...any) *Error {
	return New(RiskReject, op, fmt.Errorf(format, args...))
}

// Fatalf builds a Fatal error with a formatted message.
func Fatalf(op, format string, args ...any) *Error {
	return New(Fatal, op, fmt.Errorf(format, args...))
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
