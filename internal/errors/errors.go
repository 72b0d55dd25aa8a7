// Package errors provides the structured error taxonomy for the delivery
// core. Per-command errors are reported back over the command's own response
// channel and never crash the coordinator; nothing here is fatal to the
// process.
package errors

import "fmt"

// Type categorizes an error for response shaping and metrics.
type Type string

const (
	// TypeAdmissionRejected: the connection pool or per-IP limit refused
	// a new connection. Not a protocol violation; the transport is closed
	// after an explicit rejection notice.
	TypeAdmissionRejected Type = "admission_rejected"
	// TypeAuthenticationFailed: bad API key. Recoverable; the client may
	// retry on the same connection.
	TypeAuthenticationFailed Type = "authentication_failed"
	// TypeUnknownTopic: subscribe to a topic that does not exist. Client
	// protocol error; the connection stays open.
	TypeUnknownTopic Type = "unknown_topic"
	// TypeSubscriptionNotFound: unsubscribe for an id this connection does
	// not hold. Client protocol error; the connection stays open.
	TypeSubscriptionNotFound Type = "subscription_not_found"
	// TypeSessionMismatch: a presented session id belongs to a different
	// client. Silently downgraded to a fresh session, never surfaced as
	// fatal.
	TypeSessionMismatch Type = "session_mismatch"
	// TypeDeliveryFailure: send to a dead or removed connection. Logged
	// and skipped; non-fatal to the batch.
	TypeDeliveryFailure Type = "delivery_failure"
	// TypeInternal: unexpected server-side failure.
	TypeInternal Type = "internal"
)

// Error is a categorized error with an optional cause.
type Error struct {
	Type    Type
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether the connection survives the error. Only
// admission rejection terminates the transport.
func (e *Error) Recoverable() bool {
	return e.Type != TypeAdmissionRejected
}

// AdmissionRejected creates an admission rejection error.
func AdmissionRejected(message string) *Error {
	return &Error{Type: TypeAdmissionRejected, Message: message}
}

// AuthenticationFailed creates an authentication failure error.
func AuthenticationFailed(message string) *Error {
	return &Error{Type: TypeAuthenticationFailed, Message: message}
}

// UnknownTopic creates an unknown-topic error.
func UnknownTopic(topic string) *Error {
	return &Error{Type: TypeUnknownTopic, Message: fmt.Sprintf("unknown topic %q", topic)}
}

// SubscriptionNotFound creates a subscription-not-found error.
func SubscriptionNotFound(id string) *Error {
	return &Error{Type: TypeSubscriptionNotFound, Message: fmt.Sprintf("subscription %s not found", id)}
}

// DeliveryFailure creates a delivery failure error.
func DeliveryFailure(message string, cause error) *Error {
	return &Error{Type: TypeDeliveryFailure, Message: message, Cause: cause}
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause}
}
