package chatty

import (
	"context"
	"encoding/json"
)

// callbackProvider captures ChatRequest via onChat callback for assertions,
// and optionally streams pre-configured chunks.
type callbackProvider struct {
	name     string
	response ChatResponse
	chunks   []ProviderChunk
	onChat   func(ChatRequest)
}

func (c *callbackProvider) Name() string { return c.name }

func (c *callbackProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, nil
}

func (c *callbackProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, nil
}

func (c *callbackProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- ProviderChunk) (ChatResponse, error) {
	defer close(ch)
	if c.onChat != nil {
		c.onChat(req)
	}
	for _, chunk := range c.chunks {
		ch <- chunk
	}
	return c.response, nil
}

var _ Provider = (*callbackProvider)(nil)

// nopStore satisfies RAGStore with no-ops. Embed this in test-specific store
// structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) StoreDocument(_ context.Context, _ Document, _ []Chunk) error { return nil }
func (nopStore) SearchChunks(_ context.Context, _ []float32, _ int, _ ...ChunkFilter) ([]ScoredChunk, error) {
	return nil, nil
}
func (nopStore) SearchChunksKeyword(_ context.Context, _ string, _ int, _ ...ChunkFilter) ([]ScoredChunk, error) {
	return nil, nil
}
func (nopStore) GetChunksByIDs(_ context.Context, _ []string) ([]Chunk, error) { return nil, nil }

var _ RAGStore = (*nopStore)(nil)

// contextReadingTool is a tool that captures context in Execute for testing.
type contextReadingTool struct {
	onExecute func(ctx context.Context)
}

func (t *contextReadingTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "ctx_reader", Description: "Reads context"}}
}

func (t *contextReadingTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	if t.onExecute != nil {
		t.onExecute(ctx)
	}
	return ToolResult{Content: "ok"}, nil
}
