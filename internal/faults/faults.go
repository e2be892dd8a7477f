// Package faults defines the typed error taxonomy shared by every component of
// the orchestration core. Errors carry a Kind so callers can branch with
// errors.Is against the sentinel values without string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindProviderTransient
	KindAllProvidersExhausted
	KindPermissionDenied
	KindSnapshotConflict
	KindRollbackFailed
	KindSystemDegraded
	KindCancelled
	KindStepFailed
	KindNotFound
	KindInvalidInput
)

// String returns the string representation of a kind.
func (k Kind) String() string {
	switch k {
	case KindProviderTransient:
		return "provider_transient"
	case KindAllProvidersExhausted:
		return "all_providers_exhausted"
	case KindPermissionDenied:
		return "permission_denied"
	case KindSnapshotConflict:
		return "snapshot_conflict"
	case KindRollbackFailed:
		return "rollback_failed"
	case KindSystemDegraded:
		return "system_degraded"
	case KindCancelled:
		return "cancelled"
	case KindStepFailed:
		return "step_failed"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrProviderTransient     = &Error{Kind: KindProviderTransient}
	ErrAllProvidersExhausted = &Error{Kind: KindAllProvidersExhausted}
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrSnapshotConflict      = &Error{Kind: KindSnapshotConflict}
	ErrRollbackFailed        = &Error{Kind: KindRollbackFailed}
	ErrSystemDegraded        = &Error{Kind: KindSystemDegraded}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrStepFailed            = &Error{Kind: KindStepFailed}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "safety.execute"
	Msg  string
	Err  error
}

// New creates a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation that was never classified reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Cancelled wraps a context error as KindCancelled.
func Cancelled(op string, err error) error {
	return Wrap(KindCancelled, op, err)
}
