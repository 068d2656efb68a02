package chatty

import (
	"context"
	"time"
)

// Semaphore is the subset of the Model Semaphore (internal/concurrency)
// the Chat Model Wrapper depends on. Declared here, structurally, so this
// package never imports internal/concurrency — main wires a concrete
// *concurrency.Semaphore in.
type Semaphore interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
}

// gatedProvider wraps any Provider so every invocation — Chat,
// ChatWithTools, or ChatStream — first acquires one semaphore slot and
// always releases it on return, whether the call succeeded, failed, or the
// context was cancelled while streaming. Slots are never held across agent
// loop rounds; each round's model call acquires and releases independently
// (the wrapper is applied once when the provider chain is built, and each
// call through it gates a single invocation, not a whole conversation).
//
// The reasoning_content rescue described for this component in §4.7 is
// implemented one layer down, in provider/openaicompat, since that is the
// only place that still has access to the raw streamed delta JSON; by the
// time a chunk reaches this wrapper it has already been normalized into a
// ProviderChunk with Reasoning populated (or not) by the decoder.
type gatedProvider struct {
	inner     Provider
	sem       Semaphore
	acquireTO time.Duration
}

// WithConcurrencyGate wraps p so every invocation is gated through sem,
// blocking up to acquireTimeout for a free slot before delegating.
func WithConcurrencyGate(p Provider, sem Semaphore, acquireTimeout time.Duration) Provider {
	return &gatedProvider{inner: p, sem: sem, acquireTO: acquireTimeout}
}

func (g *gatedProvider) Name() string { return g.inner.Name() }

func (g *gatedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := g.sem.Acquire(ctx, g.acquireTO); err != nil {
		return ChatResponse{}, err
	}
	defer g.sem.Release(context.Background())
	return g.inner.Chat(ctx, req)
}

// ChatWithTools binds tools via the inner client (preserving its
// provider-specific tool-definition formatting) but still routes the actual
// call back through this wrapper's gate — Provider itself carries no
// separate "bound" state to leak.
func (g *gatedProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if err := g.sem.Acquire(ctx, g.acquireTO); err != nil {
		return ChatResponse{}, err
	}
	defer g.sem.Release(context.Background())
	return g.inner.ChatWithTools(ctx, req, tools)
}

func (g *gatedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- ProviderChunk) (ChatResponse, error) {
	if err := g.sem.Acquire(ctx, g.acquireTO); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	defer g.sem.Release(context.Background())
	return g.inner.ChatStream(ctx, req, ch)
}

var _ Provider = (*gatedProvider)(nil)
