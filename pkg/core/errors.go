package core

import (
	"errors"
	"fmt"
)

// Error is the typed error surfaced by every voice-search package.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`

	// Op names the operation that failed (for example "dial" or "acquire").
	Op    string `json:"op,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error of the same Type, so sentinel comparisons work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Type == e.Type && (other.Message == "" || other.Message == e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrAuthRequired         ErrorType = "auth_required"
	ErrSubscriptionRequired ErrorType = "subscription_required"
	ErrPermissionDenied     ErrorType = "permission_denied"
	ErrRecording            ErrorType = "recording_error"
	ErrTransport            ErrorType = "transport_error"
	ErrDecode               ErrorType = "decode_error"
	ErrNoSpeechDetected     ErrorType = "no_speech_detected"
	ErrServer               ErrorType = "server_error"
	ErrInvalidState         ErrorType = "invalid_state"
)

// ErrSessionClosed is returned by an async step whose session was closed
// while it was pending. Its result has been discarded.
var ErrSessionClosed = &Error{Type: ErrInvalidState, Message: "session closed"}

// NewAuthRequiredError creates an auth_required error.
func NewAuthRequiredError(message string) *Error {
	return &Error{Type: ErrAuthRequired, Message: message}
}

// NewSubscriptionRequiredError creates a subscription_required error.
func NewSubscriptionRequiredError(message string) *Error {
	return &Error{Type: ErrSubscriptionRequired, Message: message}
}

// NewPermissionDeniedError creates a permission_denied error.
func NewPermissionDeniedError(message string, cause error) *Error {
	return &Error{Type: ErrPermissionDenied, Message: message, Cause: cause}
}

// NewRecordingError creates a recording_error.
func NewRecordingError(message string, cause error) *Error {
	return &Error{Type: ErrRecording, Message: message, Cause: cause}
}

// NewTransportError creates a transport_error for op.
func NewTransportError(op string, cause error) *Error {
	return &Error{Type: ErrTransport, Op: op, Message: op + " failed", Cause: cause}
}

// NewDecodeError creates a decode_error.
func NewDecodeError(message string, cause error) *Error {
	return &Error{Type: ErrDecode, Message: message, Cause: cause}
}

// NewNoSpeechDetectedError creates a no_speech_detected error.
func NewNoSpeechDetectedError() *Error {
	return &Error{Type: ErrNoSpeechDetected, Message: "no speech detected"}
}

// NewServerError wraps an error reported by the speech/search service.
func NewServerError(message string) *Error {
	return &Error{Type: ErrServer, Message: message}
}

// NewInvalidStateError creates an invalid_state error for op attempted in state.
func NewInvalidStateError(op, state string) *Error {
	return &Error{Type: ErrInvalidState, Op: op, Message: fmt.Sprintf("%s not allowed in state %s", op, state)}
}

// TypeOf returns the ErrorType carried by err, or "" when err is not a *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Type
	}
	return ""
}

// IsType reports whether err carries the given ErrorType.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}
