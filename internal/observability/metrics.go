package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// RPCMetrics records the tool-surface traffic: calls by tool and outcome,
// call latency, and live handshake sessions. It exports through the
// prometheus bridge, so the readings land on the same /metrics endpoint as
// the broker's lifecycle counters.
type RPCMetrics struct {
	toolCalls      metric.Int64Counter
	toolDuration   metric.Float64Histogram
	sessionsActive metric.Int64UpDownCounter
}

// NewRPCMetrics builds the collector on a prometheus-backed meter provider
// and installs the provider globally. A nil *RPCMetrics is a valid no-op
// recorder.
func NewRPCMetrics() (*RPCMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(tracerName)

	toolCalls, err := meter.Int64Counter(
		"errand.rpc.tool_calls.total",
		metric.WithDescription("Tool invocations by tool name and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_calls counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"errand.rpc.tool_duration.seconds",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_duration histogram: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"errand.rpc.sessions.active",
		metric.WithDescription("Live handshake sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions gauge: %w", err)
	}

	return &RPCMetrics{
		toolCalls:      toolCalls,
		toolDuration:   toolDuration,
		sessionsActive: sessionsActive,
	}, nil
}

// RecordToolCall counts one invocation and its latency.
func (m *RPCMetrics) RecordToolCall(name string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("success", success),
	)
	ctx := context.Background()
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool", name)))
}

// SessionOpened bumps the live-session gauge.
func (m *RPCMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// SessionClosed decrements the live-session gauge.
func (m *RPCMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}
