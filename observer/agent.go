package observer

import (
	"context"
	"time"

	"chatty"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	chattylog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgentLoop wraps a chatty.AgentLoop to emit an OTEL span, metrics,
// and a structured log entry covering one full multi-round Run call. Child
// spans from whatever ObservedProvider/ObservedTool the loop was built with
// nest underneath via context propagation.
type ObservedAgentLoop struct {
	inner *chatty.AgentLoop
	inst  *Instruments
	name  string
}

// WrapAgentLoop returns an instrumented agent loop. name identifies the loop
// in spans, metrics, and logs (typically the configured model name).
func WrapAgentLoop(inner *chatty.AgentLoop, name string, inst *Instruments) *ObservedAgentLoop {
	return &ObservedAgentLoop{inner: inner, inst: inst, name: name}
}

// Run instruments a full agent run with the same signature as
// chatty.AgentLoop.Run, so it can be substituted wherever the loop is
// invoked.
func (o *ObservedAgentLoop) Run(ctx context.Context, systemPrompt string, history []chatty.Message, query string, out chan<- chatty.StreamEvent) error {
	ctx, span := o.inst.Tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		AttrAgentName.String(o.name),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("agent.started")

	err := o.inner.Run(ctx, systemPrompt, history, query, out)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("agent.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("agent.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("agent.completed")
	}

	span.SetAttributes(AttrAgentStatus.String(status))

	attrs := metric.WithAttributes(
		AttrAgentName.String(o.name),
		attribute.String("status", status),
	)
	o.inst.AgentExecutions.Add(ctx, 1, attrs)
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.name),
	))

	// Structured log
	var rec chattylog.Record
	rec.SetSeverity(chattylog.SeverityInfo)
	rec.SetBody(chattylog.StringValue("agent execution completed"))
	rec.AddAttributes(
		chattylog.String("agent.name", o.name),
		chattylog.String("agent.status", status),
		chattylog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return err
}
