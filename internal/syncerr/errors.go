// Package syncerr defines the error taxonomy shared by the scheduler,
// orchestrator, governor and source adapters. Errors carry an explicit
// Kind so callers branch on values instead of on concrete types.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure for retry and run-status decisions.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindConfig         Kind = "config"
	KindAuthentication Kind = "authentication"
	KindRateLimited    Kind = "rate_limited"
	KindConnection     Kind = "connection"
	KindCircuitOpen    Kind = "circuit_open"
	KindThrottled      Kind = "throttled"
	KindBatchWrite     Kind = "batch_write"
	KindAlreadyRunning Kind = "already_running"
	KindNotFound       Kind = "not_found"
)

// Sentinel errors for conditions that carry no extra context.
var (
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning, Op: "trigger", Err: errors.New("pass already in flight")}
	ErrCircuitOpen    = &Error{Kind: KindCircuitOpen, Op: "admit", Err: errors.New("circuit open")}
	ErrThrottled      = &Error{Kind: KindThrottled, Op: "admit", Err: errors.New("admission timed out")}
	ErrNotRegistered  = &Error{Kind: KindNotFound, Op: "scheduler", Err: errors.New("endpoint not registered")}
	ErrDisabled       = &Error{Kind: KindConfig, Op: "trigger", Err: errors.New("endpoint disabled")}
	ErrNotFound       = &Error{Kind: KindNotFound, Op: "store", Err: errors.New("not found")}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the server-suggested delay for rate limited errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind so wrapped instances compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New wraps err with kind and op. A nil err produces a nil error.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config reports an invalid endpoint or schedule specification.
func Config(op string, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// Authentication wraps a credential failure.
func Authentication(op string, err error) error {
	return New(KindAuthentication, op, err)
}

// Connection wraps a transient network failure.
func Connection(op string, err error) error {
	return New(KindConnection, op, err)
}

// RateLimited wraps a source throttling signal.
func RateLimited(op string, err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// BatchWrite wraps an item-level persistence failure.
func BatchWrite(op string, err error) error {
	return New(KindBatchWrite, op, err)
}

// KindOf classifies any error. Unclassified network and deadline errors
// are treated as connection failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}

	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a pass may retry the failed step.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnection
}

// RetryAfter returns the suggested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
