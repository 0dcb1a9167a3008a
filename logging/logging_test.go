package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		" error ": LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("router")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[router]") {
		t.Errorf("expected component 'router' in log, got: %s", output)
	}
}

func TestLogger_DerivedSharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	child := root.WithComponent("transport")
	root.SetOutput(&buf)
	root.SetLevel(LevelDebug)

	child.Debug("from child")

	if !strings.Contains(buf.String(), "from child") {
		t.Errorf("child logger should follow root output and level, got: %q", buf.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New().With(map[string]interface{}{"connection": "c1"})
	logger.SetOutput(&buf)

	logger.Info("frame", map[string]interface{}{
		"type": "task.create",
	})

	output := buf.String()
	if !strings.Contains(output, "connection=c1 type=task.create") {
		t.Errorf("expected sorted fields in log, got: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: LEVEL TIMESTAMP [component] message key=value
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test]") {
		t.Errorf("expected component [test], got: %s", output)
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("expected message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}
}

func TestLogger_TaskTransition(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug) // TaskTransition logs at Debug level

	logger.TaskTransition("t1", "pending", "in_progress", "agent-1")

	output := buf.String()
	for _, want := range []string{"task_transition", "task=t1", "from=pending", "to=in_progress", "actor=agent-1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in log, got: %s", want, output)
		}
	}
}

func TestLogger_ParticipantLifecycle(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.ParticipantOnline("agent", "a1", "alpha", "conn-1")
	logger.ParticipantOffline("agent", "a1", 2)

	output := buf.String()
	if !strings.Contains(output, "participant_online") {
		t.Error("expected participant_online log")
	}
	if !strings.Contains(output, "failed_tasks=2") {
		t.Errorf("expected failed_tasks=2, got: %s", output)
	}
}

func TestLogger_Warnings(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.MessageDropped("c1", "bogus.type", "unsupported")
	logger.DeliveryFailed("c2", "task.execute", fmt.Errorf("send buffer full"))

	output := buf.String()
	if strings.Count(output, "WARN") != 2 {
		t.Errorf("expected two WARN lines, got: %s", output)
	}
	if !strings.Contains(output, "error=send buffer full") {
		t.Errorf("expected delivery error in log, got: %s", output)
	}
}

func TestLogger_ServiceCall(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.ServiceCall("audit", "agent-1", 10*time.Millisecond, nil)
	if buf.Len() > 0 {
		t.Error("successful service call should log at Debug")
	}

	logger.ServiceCall("audit", "agent-1", 10*time.Millisecond, fmt.Errorf("boom"))
	if !strings.Contains(buf.String(), "service_call_failed") {
		t.Errorf("expected failure log, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "duration=10ms") {
		t.Errorf("expected duration, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nowhere")
}
