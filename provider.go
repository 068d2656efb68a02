package chatty

import (
	"context"
	"encoding/json"
)

// Provider abstracts an OpenAI-compatible chat model backend. ChatStream is
// the path the Chat Model Wrapper (gate.go) and Agent Loop (agentloop.go)
// drive: every invocation, streaming or not, is expected to be gated through
// a concurrency semaphore by whichever Provider the caller was handed —
// WithConcurrencyGate wraps any Provider to add that behavior.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions bound, returning a
	// response that may carry tool calls. Implementations that need
	// provider-specific tool formatting should do that translation here.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams decoded provider chunks into ch, then returns the
	// final accumulated response. ch is always closed before returning,
	// including on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- ProviderChunk) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "openrouter").
	Name() string
}

// EmbeddingProvider abstracts text embedding, used by the RAG retriever and
// the semantic response cache.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// ToolCallFragment is one incremental piece of a tool call as it streams in.
// Name is only non-empty on the fragment that introduces the call (typically
// the first); ArgsFragment carries whatever argument payload that specific
// chunk contained — it may be the empty string, a partial JSON string
// fragment, or (for providers that don't fragment arguments) the complete
// arguments already, as either a JSON string or a raw JSON object.
type ToolCallFragment struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment json.RawMessage
}

// ProviderChunk is the domain-normalized form of one streamed chunk, after
// the provider's reasoning-delta rescue (openaicompat.StreamSSE). It is the input to the
// Stream Mapper (streammapper.go). Exactly one of Content, Reasoning, or
// ToolCalls is expected to be non-empty/non-nil per chunk in practice, but
// callers must not assume exclusivity — the mapper applies the priority
// order from §4.8 explicitly.
type ProviderChunk struct {
	Content   string
	Reasoning string // rescued from a non-standard reasoning_content delta field; empty for standards-compliant servers
	ToolCalls []ToolCallFragment
	Usage     *Usage // set on the final chunk by providers that report usage
}
