package observer

import (
	"context"
	"encoding/json"
	"time"

	"chatty"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	chattylog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a chatty.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner chatty.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner chatty.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []chatty.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (chatty.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec chattylog.Record
	rec.SetSeverity(chattylog.SeverityInfo)
	rec.SetBody(chattylog.StringValue("tool executed"))
	rec.AddAttributes(
		chattylog.String("tool.name", name),
		chattylog.String("tool.status", status),
		chattylog.Int("tool.result_length", len(result.Content)),
		chattylog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// Compile-time interface check.
var _ chatty.Tool = (*ObservedTool)(nil)
