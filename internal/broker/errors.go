// Package broker implements the broker core: connection lifecycle, queue
// manager, ack tracker, dead-letter queue, command dispatcher, and the
// listening server that wires them together (spec.md §4).
package broker

import "fmt"

// ErrorKind is the taxonomy of errors surfaced on the wire via Error frames
// (spec.md §7).
type ErrorKind string

const (
	ErrAuthFailed      ErrorKind = "AUTH_FAILED"
	ErrInvalidMessage  ErrorKind = "INVALID_MESSAGE"
	ErrQueueNotFound   ErrorKind = "QUEUE_NOT_FOUND"
	ErrQueueExists     ErrorKind = "QUEUE_EXISTS"
	ErrQueueFull       ErrorKind = "QUEUE_FULL"
	ErrRateLimited     ErrorKind = "RATE_LIMITED"
	ErrTimeout         ErrorKind = "TIMEOUT"
	ErrServerError     ErrorKind = "SERVER_ERROR"
	ErrKeepaliveTimeout ErrorKind = "KEEPALIVE_TIMEOUT"
	ErrShuttingDown    ErrorKind = "SHUTTING_DOWN"
)

// Error is the broker's typed error, carrying the wire-level kind alongside
// a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Fatal reports whether kind must close the connection per spec.md §7:
// protocol-level errors are fatal, transient per-operation errors are not.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrAuthFailed, ErrInvalidMessage, ErrServerError, ErrKeepaliveTimeout:
		return true
	default:
		return false
	}
}

// AsError unwraps err into a *Error if possible, otherwise wraps it as a
// SERVER_ERROR — the catch-all for internal faults caught at the handler
// boundary.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		return be
	}
	return &Error{Kind: ErrServerError, Message: err.Error()}
}
