// Package chronoerr classifies errors the way the specification's error
// handling design requires: transient vs. fatal, retryable vs. not.
package chronoerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the specification's error
// handling design.
type Kind int

const (
	KindTransient           Kind = iota // retryable network error
	KindAuthFailure                     // not retryable, surfaced to caller
	KindInvalidConfig                   // not retryable, typed failure
	KindConcurrencyConflict             // recovered locally, retried next sweep
	KindDataCorruption                  // logged, instance finalized CANCELED
	KindFatal                           // startup failure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	case KindInvalidConfig:
		return "invalid_config"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindDataCorruption:
		return "data_corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// retryability without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether the error's kind should be retried by the
// caller's own loop (scanners re-sweep, dispatch retries the RPC).
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient || e.Kind == KindConcurrencyConflict
	}
	return false
}

// KindOf extracts the Kind from a classified error, or KindTransient if
// err is not a *Error (the conservative default: treat unknown errors as
// worth retrying rather than silently dropping work).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}
