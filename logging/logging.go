// Package logging provides real-time log output for the orchestrator.
// Task history is the record of what happened to a task; this package is for
// watching the orchestrator live.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string onto a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every logger derived from it, so that
// SetLevel and SetOutput apply to the whole tree.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes leveled, line-oriented log entries.
type Logger struct {
	sink      *sink
	component string
	fields    map[string]interface{}
}

// New creates a new Logger writing to stdout at LevelInfo.
func New() *Logger {
	return &Logger{
		sink: &sink{output: os.Stdout, minLevel: LevelInfo},
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{
		sink: &sink{output: io.Discard, minLevel: LevelError},
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
		fields:    l.fields,
	}
}

// With returns a new logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		sink:      l.sink,
		component: l.component,
		fields:    merged,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	all := l.fields
	if len(fields) > 0 && fields[0] != nil {
		all = make(map[string]interface{}, len(l.fields)+len(fields[0]))
		for k, v := range l.fields {
			all[k] = v
		}
		for k, v := range fields[0] {
			all[k] = v
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, formatFields(all))
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, formatFields(all))
	}

	l.sink.output.Write([]byte(line))
}

// --- Orchestrator event helpers ---

// ParticipantOnline logs a registration or revival.
func (l *Logger) ParticipantOnline(role, id, name, connectionID string) {
	l.Info("participant_online", map[string]interface{}{
		"role":       role,
		"id":         id,
		"name":       name,
		"connection": connectionID,
	})
}

// ParticipantOffline logs a disconnect and how many tasks it failed.
func (l *Logger) ParticipantOffline(role, id string, failedTasks int) {
	l.Info("participant_offline", map[string]interface{}{
		"role":         role,
		"id":           id,
		"failed_tasks": failedTasks,
	})
}

// TaskTransition logs a task status change.
func (l *Logger) TaskTransition(taskID, from, to, actor string) {
	fields := map[string]interface{}{
		"task": taskID,
		"from": from,
		"to":   to,
	}
	if actor != "" {
		fields["actor"] = actor
	}
	l.Debug("task_transition", fields)
}

// MessageDropped logs an inbound message that was not acted on.
func (l *Logger) MessageDropped(connectionID, msgType, reason string) {
	l.Warn("message_dropped", map[string]interface{}{
		"connection": connectionID,
		"type":       msgType,
		"reason":     reason,
	})
}

// DeliveryFailed logs an outbound message that could not be sent.
func (l *Logger) DeliveryFailed(connectionID, msgType string, err error) {
	l.Warn("delivery_failed", map[string]interface{}{
		"connection": connectionID,
		"type":       msgType,
		"error":      err.Error(),
	})
}

// ServiceCall logs the outcome of a service invocation.
func (l *Logger) ServiceCall(service, callerID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"service":  service,
		"caller":   callerID,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("service_call_failed", fields)
		return
	}
	l.Debug("service_call", fields)
}
