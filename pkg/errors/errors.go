package errors

import (
	"errors"
	"fmt"
)

// ClientError is a structured error surfaced by the connection core.
// Terminal errors are not retried; non-terminal errors describe transport
// conditions the core recovers from on its own.
type ClientError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Terminal bool   `json:"-"`
	Internal error  `json:"-"`
}

func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the ClientError with an attached internal error.
func (e *ClientError) WithInternal(err error) *ClientError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the client core.
var (
	ErrReconnectExhausted = &ClientError{
		Code:     "RECONNECT_EXHAUSTED",
		Message:  "Connection lost and reconnect attempts exhausted",
		Terminal: true,
	}

	ErrPayloadTooLarge = &ClientError{
		Code:     "PAYLOAD_TOO_LARGE",
		Message:  "Code payload exceeds the configured maximum size",
		Terminal: true,
	}

	ErrClosed = &ClientError{
		Code:     "CLIENT_CLOSED",
		Message:  "Connection manager has been shut down",
		Terminal: true,
	}

	ErrInvalidToken = &ClientError{
		Code:     "INVALID_TOKEN",
		Message:  "Authentication token could not be parsed",
		Terminal: true,
	}
)

// New builds a new client error with the provided metadata.
func New(code, message string, terminal bool) *ClientError {
	return &ClientError{
		Code:     code,
		Message:  message,
		Terminal: terminal,
	}
}

// FromServer converts an application-level rejection pushed by the server
// into a terminal client error.
func FromServer(code, message string) *ClientError {
	if code == "" {
		code = "SERVER_REJECTED"
	}
	return &ClientError{
		Code:     code,
		Message:  message,
		Terminal: true,
	}
}

// Wrap turns any error into a non-terminal transport error while keeping the
// original error for logging.
func Wrap(err error, message string) *ClientError {
	return &ClientError{
		Code:     "TRANSPORT_ERROR",
		Message:  message,
		Terminal: false,
		Internal: err,
	}
}

// IsTerminal reports whether err is (or wraps) a terminal client error.
func IsTerminal(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Terminal
	}
	return false
}
