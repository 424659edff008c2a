// Package errs enumerates the error kinds that flow between dispatcher
// components, matching the taxonomy the worker pool and admission layer
// branch on when deciding whether to retry, drop, or surface a failure.
package errs

import "github.com/pkg/errors"

// Kind classifies an error for retry/response-code decisions.
type Kind string

const (
	TransientTransport Kind = "transient_transport"
	PermanentTransport Kind = "permanent_transport"
	TransientAgent     Kind = "transient_agent"
	PermanentAgent     Kind = "permanent_agent"
	CacheUnavailable   Kind = "cache_unavailable"
	StoreUnavailable   Kind = "store_unavailable"
	RateLimited        Kind = "rate_limited"
	Duplicate          Kind = "duplicate"
	BadRequest         Kind = "bad_request"
	Paused             Kind = "paused"
	DeadlineExceeded   Kind = "deadline_exceeded"
	CircuitOpen        Kind = "circuit_open"
)

// Error wraps a Kind with a causal chain via github.com/pkg/errors.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// New creates an Error of the given kind wrapping msg.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, preserving its chain.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(err, msg)}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retriable reports whether the error kind warrants a queue retry.
func Retriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case TransientTransport, TransientAgent, StoreUnavailable, CircuitOpen, DeadlineExceeded:
		return true
	default:
		return false
	}
}
