// Package observability owns distributed tracing and the RPC-level metrics
// for the broker. Broker-internal lifecycle counters live next to the
// orchestrator; this package covers the tool surface and the trace pipeline.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName is the instrumentation scope for every span in the repo.
const tracerName = "errand"

// TracingConfig configures the trace pipeline.
type TracingConfig struct {
	Enabled     bool
	Exporter    string // "otlp" or "zipkin"
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

// TracerProvider wraps the OTel SDK provider; a disabled config yields a
// noop tracer with zero overhead.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the pipeline and installs it as the global
// provider so package-level StartSpan picks it up.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "errand"
	}
	if config.SampleRatio <= 0 || config.SampleRatio > 1.0 {
		config.SampleRatio = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch config.Exporter {
	case "otlp":
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan opens a span on the globally installed provider. Before
// NewTracerProvider runs (or when tracing is disabled) this is a noop.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names.
const (
	SpanTaskSubmit  = "errand.task.submit"
	SpanTaskExecute = "errand.task.execute"
	SpanToolCall    = "errand.rpc.tool_call"
)

// Attribute keys.
const (
	AttrTaskID   = "errand.task_id"
	AttrCallerID = "errand.caller_id"
	AttrToolName = "errand.tool_name"
	AttrBackend  = "errand.backend"
	AttrStatus   = "errand.status"
	AttrError    = "errand.error"
)

// TaskAttrs tags a span with the task's identity.
func TaskAttrs(taskID, callerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrCallerID, callerID),
	}
}

// ToolAttrs tags a span with the invoked tool.
func ToolAttrs(name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
	}
}

// StatusAttrs tags a span with a terminal status.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs tags a span with a failure.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
