// Package sse implements the SSE Envelope (§4.10): it wraps a domain-event
// generator with a wall-clock request timeout, cancellation handling,
// error-to-event mapping, OTEL metrics, and the `data: <json>\n\n` wire
// encoding.
package sse

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the five instruments §4.10 requires, built once at startup.
// Grounded on observer/observer.go's newInstruments: named counters and
// histograms constructed with WithDescription/WithUnit, never built per
// request.
type Metrics struct {
	ActiveSessions metric.Int64UpDownCounter
	SessionsTotal  metric.Int64Counter
	EventsByType   metric.Int64Counter
	ToolCalls      metric.Int64Counter
	Duration       metric.Float64Histogram
}

const scopeName = "chatty/sse"

// NewMetrics builds the SSE envelope's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	active, err := meter.Int64UpDownCounter("chatty.sse.active_sessions",
		metric.WithDescription("Currently streaming SSE sessions"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	total, err := meter.Int64Counter("chatty.sse.sessions_total",
		metric.WithDescription("Completed SSE sessions by terminal code"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter("chatty.sse.events_total",
		metric.WithDescription("Emitted stream events by type"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("chatty.sse.tool_calls_total",
		metric.WithDescription("Tool-call lifecycle events by name and status"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("chatty.sse.duration",
		metric.WithDescription("SSE stream duration from admission to finalization"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ActiveSessions: active,
		SessionsTotal:  total,
		EventsByType:   events,
		ToolCalls:      toolCalls,
		Duration:       duration,
	}, nil
}
