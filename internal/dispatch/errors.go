// ABOUTME: Stable error kinds surfaced by the dispatcher to request callers.
// ABOUTME: The same underlying condition always maps to the same kind.

package dispatch

import "fmt"

// Kind is a stable, user-visible classification of a dispatch failure.
type Kind string

const (
	KindNoCapacity      Kind = "no_capacity"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindDispatchTimeout Kind = "dispatch_timeout"
	KindConnectionLost  Kind = "connection_lost"
	KindAgentRejected   Kind = "agent_rejected"
	KindPersistence     Kind = "persistence_failure"
	KindCancelled       Kind = "cancelled"
)

// Error carries a stable kind, a human-readable message, and the last
// underlying cause when one exists.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind, so callers can compare against
// the package sentinels regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is checks.
var (
	ErrNoCapacity    = &Error{Kind: KindNoCapacity, Message: "no agents available"}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded, Message: "session quota exceeded"}
	ErrCancelled     = &Error{Kind: KindCancelled, Message: "cancelled"}
)

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
