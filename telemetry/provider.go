// OTLP trace pipeline built from the orchestrator configuration.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/codeboltai/agentswarmprotocol-sub005/config"
)

// DefaultServiceName names the orchestrator in exported traces.
const DefaultServiceName = "swarm-orchestrator"

// Provider owns the trace pipeline and the Tracer handed to the router.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

type providerOptions struct {
	version      string
	exporter     sdktrace.SpanExporter
	batchTimeout time.Duration
}

// ProviderOption adjusts NewProvider.
type ProviderOption func(*providerOptions)

// WithServiceVersion records the build version on every span.
func WithServiceVersion(v string) ProviderOption {
	return func(o *providerOptions) { o.version = v }
}

// WithSpanExporter sends spans to exp instead of an OTLP collector.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithBatchTimeout bounds how long finished spans wait before export.
func WithBatchTimeout(d time.Duration) ProviderOption {
	return func(o *providerOptions) { o.batchTimeout = d }
}

// NewProvider builds tracing from cfg.Telemetry and installs it as the
// global provider. It returns nil, nil when no trace endpoint is set and no
// exporter was supplied.
func NewProvider(ctx context.Context, cfg *config.Config, opts ...ProviderOption) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}
	tc := cfg.Telemetry
	if tc.TraceEndpoint == "" && o.exporter == nil {
		return nil, nil
	}

	name := tc.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, resourceAttributes(name, o.version, cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		if exporter, err = newSpanExporter(ctx, tc); err != nil {
			return nil, err
		}
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if o.batchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(o.batchTimeout))
	}
	if tc.ExportTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithExportTimeout(tc.ExportTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := newTracerFrom(tp, name, tc.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// resourceAttributes describes this orchestrator: its name and the
// endpoints and backends it runs with.
func resourceAttributes(name, version string, cfg *config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	listen := []struct{ role, addr string }{
		{"agent", cfg.Listen.Agent},
		{"client", cfg.Listen.Client},
		{"service", cfg.Listen.Service},
	}
	for _, l := range listen {
		if l.addr != "" {
			attrs = append(attrs, attribute.String("swarm.listen."+l.role, l.addr))
		}
	}
	return append(attrs,
		attribute.String("swarm.bus.backend", cfg.Bus.Backend),
		attribute.Bool("swarm.audit.enabled", cfg.Audit.Enabled),
	)
}

// newSpanExporter creates the OTLP exporter for tc. An http:// endpoint is
// plaintext and https:// is TLS; a bare host:port follows tc.Insecure.
// Neither exporter dials until the first export.
func newSpanExporter(ctx context.Context, tc config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	endpoint, insecure := tc.TraceEndpoint, tc.Insecure
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, insecure = strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, insecure = strings.TrimPrefix(endpoint, "https://"), false
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch tc.TraceProtocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(tc.TraceHeaders) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.TraceHeaders))
		}
		if tc.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(tc.ExportTimeout))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tc.TraceHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tc.TraceHeaders))
		}
		if tc.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(tc.ExportTimeout))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace protocol %q (use grpc or http)", tc.TraceProtocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", tc.TraceProtocol, err)
	}
	return exporter, nil
}

// Tracer returns the router's tracer.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// SetDebug turns payload attributes on or off.
func (p *Provider) SetDebug(debug bool) {
	p.tracer.SetDebug(debug)
}

// ForceFlush exports finished spans now.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the pipeline. A nil Provider is a no-op.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
