package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracerProvider failed: %v", err)
	}

	ctx, span := tp.tracer.Start(context.Background(), SpanTaskSubmit)
	span.End()
	if ctx == nil {
		t.Fatal("noop tracer returned a nil context")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on noop provider: %v", err)
	}
}

func TestUnsupportedExporterRejected(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Fatal("expected an error for an unsupported exporter")
	}
}

func TestStartSpanBeforeInstall(t *testing.T) {
	// The global provider defaults to noop; StartSpan must be safe.
	ctx, span := StartSpan(context.Background(), SpanToolCall, ToolAttrs("ping")...)
	defer span.End()
	if ctx == nil {
		t.Fatal("StartSpan returned a nil context")
	}
}

func TestErrorAttrs(t *testing.T) {
	if got := ErrorAttrs(nil); got != nil {
		t.Errorf("ErrorAttrs(nil) = %v, want nil", got)
	}
	attrs := ErrorAttrs(errors.New("boom"))
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
}

func TestNilRPCMetricsIsSafe(t *testing.T) {
	var m *RPCMetrics
	m.RecordToolCall("execute_task", time.Second, true)
	m.SessionOpened()
	m.SessionClosed()
}
