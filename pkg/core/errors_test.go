package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrAuthRequired,
		Message: "sign in to use voice search",
	}

	expected := "auth_required: sign in to use voice search"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCodeAndCause(t *testing.T) {
	err := &Error{
		Type:    ErrTransport,
		Message: "dial failed",
		Code:    "ws_handshake",
		Cause:   io.ErrUnexpectedEOF,
	}

	expected := "transport_error: dial failed (code: ws_handshake): unexpected EOF"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected errors.Is to reach the cause")
	}
}

func TestNewTransportError(t *testing.T) {
	err := NewTransportError("dial", io.EOF)
	if err.Type != ErrTransport {
		t.Errorf("Type = %v, want %v", err.Type, ErrTransport)
	}
	if err.Op != "dial" {
		t.Errorf("Op = %q, want dial", err.Op)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected errors.Is to reach the cause")
	}
}

func TestTypeOf_ThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("start listening: %w", NewPermissionDeniedError("microphone access refused", nil))
	if got := TypeOf(wrapped); got != ErrPermissionDenied {
		t.Fatalf("TypeOf = %q, want %q", got, ErrPermissionDenied)
	}
	if !IsType(wrapped, ErrPermissionDenied) {
		t.Fatalf("IsType = false, want true")
	}
	if TypeOf(io.EOF) != "" {
		t.Fatalf("TypeOf(non core error) should be empty")
	}
}

func TestErrSessionClosed_MatchesWithErrorsIs(t *testing.T) {
	err := fmt.Errorf("start session: %w", ErrSessionClosed)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected errors.Is(err, ErrSessionClosed)")
	}
	if errors.Is(NewInvalidStateError("stop_listening", "idle"), ErrSessionClosed) {
		t.Fatalf("a different invalid_state message must not match ErrSessionClosed")
	}
}
