// OpenTelemetry tracing for routed messages and service calls.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
)

// Tracer wraps OpenTelemetry tracing with orchestrator-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name from the global
// provider.
func NewTracer(name string, debug bool) *Tracer {
	return newTracerFrom(otel.GetTracerProvider(), name, debug)
}

func newTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (payloads in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Message Spans ---

// MessageSpanOptions describes the outcome of routing one inbound message.
type MessageSpanOptions struct {
	ParticipantID string
	TaskID        string
	Outbound      int    // messages emitted while handling
	Content       string // Only included if debug=true
}

// StartMessageSpan starts a span for one inbound message.
func (t *Tracer) StartMessageSpan(ctx context.Context, role, msgType, connectionID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "route."+msgType, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("swarm.role", role),
		attribute.String("swarm.message.type", msgType),
		attribute.String("swarm.connection.id", connectionID),
	)
	return ctx, span
}

// EndMessageSpan ends a message span with attributes.
func (t *Tracer) EndMessageSpan(span trace.Span, opts MessageSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("swarm.outbound", opts.Outbound),
	}
	if opts.ParticipantID != "" {
		attrs = append(attrs, attribute.String("swarm.participant.id", opts.ParticipantID))
	}
	if opts.TaskID != "" {
		attrs = append(attrs, attribute.String("swarm.task.id", opts.TaskID))
	}
	if t.debug && opts.Content != "" {
		attrs = append(attrs, attribute.String("swarm.message.content", truncate(opts.Content, 4000)))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Service Spans ---

// ServiceSpanOptions describes a completed service call.
type ServiceSpanOptions struct {
	TaskID string
	Params map[string]any // Always included (caller-supplied, truncated)
	Result string         // Only included if debug=true
}

// StartServiceSpan starts a span for a service call.
func (t *Tracer) StartServiceSpan(ctx context.Context, service, callerID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "service."+service, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("swarm.service", service),
		attribute.String("swarm.caller.id", callerID),
	)
	return ctx, span
}

// EndServiceSpan ends a service span with attributes.
func (t *Tracer) EndServiceSpan(span trace.Span, opts ServiceSpanOptions, err error) {
	if opts.TaskID != "" {
		span.SetAttributes(attribute.String("swarm.task.id", opts.TaskID))
	}
	for k, v := range opts.Params {
		span.SetAttributes(attribute.String("swarm.param."+k, truncateAny(v, 500)))
	}
	if t.debug && opts.Result != "" {
		span.SetAttributes(attribute.String("swarm.service.result", truncate(opts.Result, 4000)))
	}
	endSpan(span, err)
}

// --- Disconnect Spans ---

// StartDisconnectSpan starts a span for disconnect handling.
func (t *Tracer) StartDisconnectSpan(ctx context.Context, connectionID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "disconnect", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("swarm.connection.id", connectionID))
	return ctx, span
}

// EndDisconnectSpan ends a disconnect span.
func (t *Tracer) EndDisconnectSpan(span trace.Span, participantID string, failedTasks int) {
	span.SetAttributes(
		attribute.String("swarm.participant.id", participantID),
		attribute.Int("swarm.tasks.failed", failedTasks),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := swarmerr.Code(err); code != "" {
			span.SetAttributes(attribute.String("swarm.error.code", string(code)))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case nil:
		return ""
	case fmt.Stringer:
		return truncate(val.String(), maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprint(v), maxLen)
	}
	return truncate(string(data), maxLen)
}
