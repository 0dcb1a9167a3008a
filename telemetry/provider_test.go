package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/codeboltai/agentswarmprotocol-sub005/config"
)

func resetGlobalTracer(t *testing.T) {
	t.Cleanup(func() { SetGlobalTracer(nil) })
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), config.Default())
	if err != nil || p != nil {
		t.Fatalf("NewProvider() = %v, %v; want nil, nil", p, err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() = %v", err)
	}
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Errorf("nil ForceFlush() = %v", err)
	}
}

func TestNewProviderResource(t *testing.T) {
	resetGlobalTracer(t)
	ctx := context.Background()
	mem := tracetest.NewInMemoryExporter()

	cfg := config.Default()
	cfg.Listen.Service = ""
	cfg.Telemetry.ServiceName = "swarm-test"
	p, err := NewProvider(ctx, cfg, WithSpanExporter(mem), WithServiceVersion("1.2.3"), WithBatchTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Shutdown(ctx)

	p.SetDebug(true)
	if !p.Tracer().Debug() || GetTracer() != p.Tracer() {
		t.Fatal("provider tracer should be global and in debug mode")
	}

	_, span := p.Tracer().StartMessageSpan(ctx, "agent", "task.result", "conn-1")
	p.Tracer().EndMessageSpan(span, MessageSpanOptions{TaskID: "t1", Outbound: 1}, nil)
	if err := p.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	spans := mem.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	res := spans[0].Resource.Set()
	want := map[attribute.Key]string{
		"service.name":        "swarm-test",
		"service.version":     "1.2.3",
		"swarm.listen.agent":  ":3000",
		"swarm.listen.client": ":3001",
		"swarm.bus.backend":   cfg.Bus.Backend,
	}
	for k, v := range want {
		if got, ok := res.Value(k); !ok || got.AsString() != v {
			t.Errorf("resource %s = %v (present %v), want %q", k, got.AsString(), ok, v)
		}
	}
	if _, ok := res.Value("swarm.listen.service"); ok {
		t.Error("disabled service endpoint should not be a resource attribute")
	}
}

func TestNewProviderUnreachableCollector(t *testing.T) {
	for _, proto := range []string{"grpc", "http"} {
		t.Run(proto, func(t *testing.T) {
			resetGlobalTracer(t)
			cfg := config.Default()
			cfg.Telemetry.TraceEndpoint = "http://127.0.0.1:1"
			cfg.Telemetry.TraceProtocol = proto
			cfg.Telemetry.ExportTimeout = 100 * time.Millisecond

			p, err := NewProvider(context.Background(), cfg)
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			_, span := p.Tracer().StartDisconnectSpan(context.Background(), "conn-1")
			p.Tracer().EndDisconnectSpan(span, "a1", 2)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			start := time.Now()
			// The export fails; only a bounded shutdown matters here.
			_ = p.Shutdown(ctx)
			if d := time.Since(start); d > 3*time.Second {
				t.Errorf("Shutdown took %v", d)
			}
		})
	}
}

func TestNewProviderUnknownProtocol(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceEndpoint = "127.0.0.1:4317"
	cfg.Telemetry.TraceProtocol = "udp"
	if p, err := NewProvider(context.Background(), cfg); err == nil || p != nil {
		t.Errorf("NewProvider() = %v, %v; want error", p, err)
	}
}
