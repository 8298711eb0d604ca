// Package apperr defines the typed outcomes every core component returns.
// Only the HTTP layer turns a Kind into a status code.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindSessionExpired
	KindAccountDisabled
	KindForbidden
	KindNotFound
	KindInvalidTransition
	KindConflict
	KindRateLimited
	KindValidation
	KindDownstreamUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindUnauthenticated:       "unauthenticated",
	KindSessionExpired:        "session_expired",
	KindAccountDisabled:       "account_disabled",
	KindForbidden:             "forbidden",
	KindNotFound:              "not_found",
	KindInvalidTransition:     "invalid_transition",
	KindConflict:              "conflict",
	KindRateLimited:           "rate_limited",
	KindValidation:            "validation",
	KindDownstreamUnavailable: "downstream_unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Message string // safe to show to the caller

	// InvalidTransition only.
	Current string
	Allowed []string

	// RateLimited only.
	RetryAfter time.Duration

	Err error // underlying cause, never rendered
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// As extracts an *Error from err. Anything else is reported as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	return As(err).Kind
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func Unauthenticated(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: msg}
}

func SessionExpired() *Error {
	return &Error{Kind: KindSessionExpired, Message: "session expired"}
}

func AccountDisabled() *Error {
	return &Error{Kind: KindAccountDisabled, Message: "account is disabled"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// InvalidTransition reports a rejected state change with the current state
// and the states reachable from it.
func InvalidTransition(current string, allowed []string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s", current),
		Current: current,
		Allowed: allowed,
	}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func DownstreamUnavailable(msg string, err error) *Error {
	return &Error{Kind: KindDownstreamUnavailable, Message: msg, Err: err}
}

// Internal wraps an unexpected failure. The message never reaches the client.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
