package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"chatty"
	"chatty/internal/concurrency"
)

// Generator produces a request's domain event stream by writing every
// StreamEvent it emits to out, in order, and returning when the stream
// ends naturally or fails. It never closes out — Run owns that.
type Generator func(ctx context.Context, out chan<- chatty.StreamEvent) error

// Envelope implements §4.10: it drives a Generator under a wall-clock
// request timeout, serializes every event to an SSE `data:` frame, maps
// failures to a terminal ErrorEvent (or no event at all, for disconnects
// and cancellation), and always invokes OnFinish exactly once regardless of
// how the stream ended.
type Envelope struct {
	RequestTimeout time.Duration
	SendTraceback  bool
	Metrics        *Metrics
	Logger         *slog.Logger
}

// NewEnvelope builds an Envelope with the given request timeout and
// traceback policy. metrics and logger may be nil in tests.
func NewEnvelope(requestTimeout time.Duration, sendTraceback bool, metrics *Metrics, logger *slog.Logger) *Envelope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Envelope{RequestTimeout: requestTimeout, SendTraceback: sendTraceback, Metrics: metrics, Logger: logger}
}

// Run drives gen to completion, writing `data: <json>\n\n` frames to w as
// events arrive, and always calls onFinish exactly once on the way out —
// callers use onFinish to release the inbox slot (§4.11).
//
// ctx is the request's context (cancelled on client disconnect by the HTTP
// server); Run derives its own timeout context from it so a request-timeout
// firing can be told apart from the client simply going away.
func (e *Envelope) Run(ctx context.Context, w http.ResponseWriter, gen Generator, onFinish func()) {
	start := time.Now()
	defer onFinish()

	flusher, _ := w.(http.Flusher)

	if e.Metrics != nil {
		e.Metrics.ActiveSessions.Add(ctx, 1)
		defer e.Metrics.ActiveSessions.Add(ctx, -1)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.RequestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.RequestTimeout)
		defer cancel()
	}

	out := make(chan chatty.StreamEvent, 16)
	done := make(chan error, 1)
	go func() {
		defer close(out)
		done <- gen(runCtx, out)
	}()

	bw := bufio.NewWriter(w)
	code := "completed-ok"

	for ev := range out {
		if !e.write(bw, ev) {
			// Client gone mid-stream; drain without writing further and
			// let the loop exit naturally once the generator stops.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
		if errEv, ok := ev.(chatty.ErrorEvent); ok {
			code = errEv.Code
			if code == "" {
				code = "error"
			}
		}
	}

	err := <-done
	if err != nil {
		if evt, terminalCode, ok := e.classify(ctx, runCtx, err); ok {
			e.write(bw, evt)
			if flusher != nil {
				flusher.Flush()
			}
			code = terminalCode
		} else {
			code = "cancelled-by-client"
		}
	}

	if e.Metrics != nil {
		e.Metrics.SessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
		e.Metrics.Duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

// classify maps a Generator error to a terminal ErrorEvent per §4.10/§7, or
// reports ok=false when no event should be emitted at all (client
// disconnect or upstream cancellation — both unwind silently).
func (e *Envelope) classify(parentCtx, runCtx context.Context, err error) (chatty.ErrorEvent, string, bool) {
	var acquireTimeout concurrency.ErrAcquireTimeout
	var unreachable *chatty.ErrUpstreamUnreachable

	switch {
	case errors.Is(err, context.Canceled):
		// Either the client disconnected or the caller cancelled the
		// request out-of-band; neither gets a wire event.
		return chatty.ErrorEvent{}, "cancelled-by-client", false

	case errors.Is(err, context.DeadlineExceeded):
		if parentCtx.Err() != nil {
			// The parent (client) context is also done — this is a
			// disconnect racing the timeout, not a genuine request
			// timeout; stay silent.
			return chatty.ErrorEvent{}, "cancelled-by-client", false
		}
		return chatty.ErrorEvent{Message: "request exceeded its time budget", Code: chatty.CodeRequestTimeout}, "completed-error-event", true

	case errors.As(err, &acquireTimeout):
		return chatty.ErrorEvent{Message: "model is at capacity, try again shortly", Code: chatty.CodeModelBusy}, "completed-error-event", true

	case errors.As(err, &unreachable):
		return chatty.ErrorEvent{Message: "upstream model endpoint is unreachable", Code: chatty.CodeModelUnreachable}, "completed-error-event", true

	default:
		msg := "an internal error occurred"
		if e.SendTraceback {
			msg = err.Error()
		}
		e.Logger.Error("sse stream failed", "error", err)
		return chatty.ErrorEvent{Message: msg, Code: chatty.CodeProcessingError}, "completed-error-event", true
	}
}

// write serializes one event as an SSE data frame. Returns false if the
// write failed (client gone), in which case the caller stops flushing but
// keeps draining out so the generator goroutine isn't blocked.
func (e *Envelope) write(w *bufio.Writer, ev chatty.StreamEvent) bool {
	if e.Metrics != nil {
		ctx := context.Background()
		e.Metrics.EventsByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventTypeName(ev))))
		if tc, ok := ev.(chatty.ToolCallEvent); ok {
			e.Metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("name", tc.Name),
				attribute.String("status", string(tc.Status)),
			))
		}
	}

	payload, err := chatty.MarshalStreamEvent(ev)
	if err != nil {
		e.Logger.Error("marshal stream event failed", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	return w.Flush() == nil
}

func eventTypeName(ev chatty.StreamEvent) string {
	switch ev.(type) {
	case chatty.QueuedEvent:
		return "queued"
	case chatty.ThinkingEvent:
		return "thinking"
	case chatty.ContentEvent:
		return "content"
	case chatty.ToolCallEvent:
		return "tool_call"
	case chatty.ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
