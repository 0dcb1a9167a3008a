package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "deadline elapsed", CategoryTransient},
		{"not_found", ErrCodeNotFound, "task missing", CategoryPermanent},
		{"transition", ErrCodeInvalidTransition, "terminal", CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, "too many messages", CategoryResource},
		{"offline", ErrCodeAgentOffline, "agent down", CategoryTransient},
		{"transport", ErrCodeTransportFailure, "socket closed", CategoryTransient},
		{"internal", ErrCodeInternal, "bug", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeDuplicateConnection)
	if err.Error() != "connection already registered" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Retryable() {
		t.Error("duplicate connection should not be retryable")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code ErrorCode
	}{
		{"task_not_found", TaskNotFound("t1"), ErrCodeNotFound},
		{"participant_not_found", ParticipantNotFound("alpha"), ErrCodeNotFound},
		{"offline", ParticipantOffline("p1"), ErrCodeAgentOffline},
		{"transition", InvalidTransition("t1", "completed", "failed"), ErrCodeInvalidTransition},
		{"duplicate", DuplicateConnection("c1"), ErrCodeDuplicateConnection},
		{"transport", TransportFailure("c1", fmt.Errorf("broken pipe")), ErrCodeTransportFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", tt.err.Code(), tt.code)
			}
		})
	}

	if got := TaskNotFound("t1").TaskID(); got != "t1" {
		t.Errorf("TaskID() = %q, want t1", got)
	}
	if got := ParticipantOffline("p1").ParticipantID(); got != "p1" {
		t.Errorf("ParticipantID() = %q, want p1", got)
	}
	md := InvalidTransition("t1", "completed", "failed").Metadata()
	if md["from"] != "completed" || md["to"] != "failed" {
		t.Errorf("Metadata() = %v", md)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	base := TaskNotFound("t9")
	wrapped := Wrap(base, "routing task.result")

	if wrapped.Code() != ErrCodeNotFound {
		t.Errorf("Code() = %v, want NOT_FOUND", wrapped.Code())
	}
	if wrapped.TaskID() != "t9" {
		t.Errorf("TaskID() = %q, want t9", wrapped.TaskID())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "waiting").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline: Code() = %v", got)
	}
	if got := Wrap(context.Canceled, "waiting").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled: Code() = %v", got)
	}
	if got := Wrap(fmt.Errorf("boom"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain: Code() = %v", got)
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCodeTimeout, "late"))

	if !Is(err, ErrCodeTimeout) {
		t.Error("Is() should see code through fmt wrapping")
	}
	if Code(err) != ErrCodeTimeout {
		t.Errorf("Code() = %v", Code(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code() of plain error should be empty")
	}
	if !IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if AsError(fmt.Errorf("plain")) != nil {
		t.Error("AsError() of plain error should be nil")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := New(ErrCodeUnauthorized, "service not declared",
		WithParticipantID("agent-1"),
		WithTaskID("task-1"),
		WithMetadata("service", "search"),
		WithCause(fmt.Errorf("manifest")),
	)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Code() != ErrCodeUnauthorized {
		t.Errorf("Code() = %v", got.Code())
	}
	if got.ParticipantID() != "agent-1" || got.TaskID() != "task-1" {
		t.Errorf("ids = %q/%q", got.ParticipantID(), got.TaskID())
	}
	if got.Metadata()["service"] != "search" {
		t.Errorf("Metadata() = %v", got.Metadata())
	}
	if got.Unwrap() == nil {
		t.Error("cause should survive round trip")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}
	err := RecoverPanic("exploded")
	if err.Code() != ErrCodePanic || err.Error() != "exploded" {
		t.Errorf("got %v / %q", err.Code(), err.Error())
	}
}
