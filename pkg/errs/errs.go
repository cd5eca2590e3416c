// Package errs defines the closed error taxonomy used across the core:
// config, auth, validation, not_found, conflict, upstream, network,
// rate_limited, internal, shutdown. Every edge of the system that turns
// a raw error into something user- or operator-visible should wrap it
// in one of these kinds so callers can branch with errors.As instead of
// string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindConfig      Kind = "config"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUpstream    Kind = "upstream"
	KindNetwork     Kind = "network"
	KindRateLimited Kind = "rate_limited"
	KindInternal    Kind = "internal"
	KindShutdown    Kind = "shutdown"
)

// Error is the single error type threaded through the core. Components
// never invent ad-hoc error structs; they wrap with New or Wrap.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.KindNotFound) style checks by comparing
// against a sentinel built with just a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// Sentinel is a zero-value Error of a given kind, used purely for
// errors.Is(err, errs.Sentinel(errs.KindNotFound)) comparisons.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error class is worth retrying with
// backoff (transient upstream/network/rate_limited conditions).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}
