package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_Disabled(t *testing.T) {
	if tp := InitTracing(TracingConfig{Enabled: false}); tp != nil {
		t.Fatal("expected nil provider when tracing is disabled")
	}
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown(nil) error = %v", err)
	}
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()

	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.ServiceName != "llmux-balancer" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want 1.0", cfg.SampleRate)
	}
}

func TestInitTracing_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	sr := tracetest.NewSpanRecorder()
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	tp := InitTracing(cfg, sr)
	if tp == nil {
		t.Fatal("expected provider")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()

	if err := Shutdown(context.Background(), tp); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "op" {
		t.Fatalf("ended spans = %v", spans)
	}
	var service string
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "llmux-balancer" {
		t.Errorf("service.name = %q", service)
	}
}

func TestNewExporter_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	exporter, err := NewExporter(context.Background(), cfg, &buf)
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	tp := InitTracing(cfg, sdktrace.NewSimpleSpanProcessor(exporter))

	_, span := otel.Tracer("test").Start(context.Background(), "balancer.select")
	span.End()

	if err := Shutdown(context.Background(), tp); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "balancer.select") {
		t.Fatalf("stdout exporter output = %q", buf.String())
	}
}

func TestNewExporter_OTLP(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.Exporter = ExporterOTLP
	cfg.Endpoint = "127.0.0.1:4317"

	exporter, err := NewExporter(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewExporter_Unknown(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.Exporter = "zipkin"
	if _, err := NewExporter(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
