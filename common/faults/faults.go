package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy and client reporting.
// The names are stable and appear verbatim in job records and HTTP bodies.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindHandler          Kind = "handler"
	KindTimeout          Kind = "timeout"
	KindTransientBackend Kind = "transient_backend"
	KindPermanentBackend Kind = "permanent_backend"
	KindSecurity         Kind = "security"
)

// Error carries a classification kind alongside the message and cause.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation error
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not_found error
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict error
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Handler creates a handler error
func Handler(err error, format string, args ...any) *Error {
	return Wrap(KindHandler, err, format, args...)
}

// Timeout creates a timeout error
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Transient classifies a queue/store/blob error as retryable
func Transient(err error, format string, args ...any) *Error {
	return Wrap(KindTransientBackend, err, format, args...)
}

// Permanent classifies a backend error as non-retryable (corruption,
// schema mismatch)
func Permanent(err error, format string, args ...any) *Error {
	return Wrap(KindPermanentBackend, err, format, args...)
}

// Security creates a security error. Raised when an unvalidated identifier
// reaches a deep boundary; callers treat it as fatal.
func Security(format string, args ...any) *Error {
	return New(KindSecurity, format, args...)
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report as handler errors, the safest terminal default.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindHandler
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the error should be retried with backoff
func Retryable(err error) bool {
	return Is(err, KindTransientBackend)
}
