package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide between retrying, fixing
// their input, or giving up.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindPermission       Kind = "permission"
	KindUnauthenticated  Kind = "unauthenticated"
	KindRateLimited      Kind = "rate_limited"
	KindStorage          Kind = "storage"
	KindPolicyEvaluation Kind = "policy_evaluation"
)

// Retryable reports whether the same call may succeed later without changes.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindStorage
}

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// ResetMs is set for KindRateLimited.
	ResetMs int64
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

func Permission(op, format string, args ...any) *Error {
	return New(KindPermission, op, format, args...)
}

func Unauthenticated(op, format string, args ...any) *Error {
	return New(KindUnauthenticated, op, format, args...)
}

// RateLimited carries the time in milliseconds until the caller may retry.
func RateLimited(op string, resetMs int64) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Op:      op,
		Message: fmt.Sprintf("rate limit exceeded, retry in %dms", resetMs),
		ResetMs: resetMs,
	}
}

// Storage marks a repository failure. The operation left no partial state.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" for
// untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ResetMsOf returns the retry hint of a rate-limited error.
func ResetMsOf(err error) int64 {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.ResetMs
	}
	return 0
}
