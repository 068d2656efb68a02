package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chatty"
)

// KnowledgeTool searches the knowledge base ingested via the ingest pipeline.
//
// By default, New creates a HybridRetriever internally with default settings.
// To configure retrieval behavior (score threshold, filters, keyword weight,
// re-ranking), construct a Retriever with the options you need and inject it:
//
//	retriever := chatty.NewHybridRetriever(store, embedding,
//	    chatty.WithMinRetrievalScore(0.05),
//	    chatty.WithKeywordWeight(0.4),
//	    chatty.WithReranker(chatty.NewScoreReranker(0.1)),
//	)
//	tool := knowledge.New(store, embedding,
//	    knowledge.WithRetriever(retriever),
//	    knowledge.WithTopK(10),
//	)
type KnowledgeTool struct {
	retriever chatty.Retriever
	topK      int
}

// Option configures a KnowledgeTool.
type Option func(*KnowledgeTool)

// WithRetriever injects a custom Retriever. When not set, New creates a
// default HybridRetriever from the provided store and embedding provider.
func WithRetriever(r chatty.Retriever) Option {
	return func(k *KnowledgeTool) { k.retriever = r }
}

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(k *KnowledgeTool) { k.topK = n }
}

// New creates a KnowledgeTool. If no Retriever is provided via WithRetriever,
// a default HybridRetriever is created from store and embedding.
func New(store chatty.RAGStore, emb chatty.EmbeddingProvider, opts ...Option) *KnowledgeTool {
	k := &KnowledgeTool{topK: 5}
	for _, o := range opts {
		o(k)
	}
	if k.retriever == nil {
		k.retriever = chatty.NewHybridRetriever(store, emb)
	}
	return k
}

func (k *KnowledgeTool) Definitions() []chatty.ToolDefinition {
	return []chatty.ToolDefinition{{
		Name:        "knowledge_search",
		Description: "Search the user's knowledge base for previously ingested documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (k *KnowledgeTool) Execute(ctx context.Context, _ string, args json.RawMessage) (chatty.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return chatty.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	chunks, err := k.retriever.Retrieve(ctx, params.Query, k.topK)
	if err != nil {
		return chatty.ToolResult{Error: "retrieval error: " + err.Error()}, nil
	}

	var out strings.Builder
	if len(chunks) > 0 {
		out.WriteString("From knowledge base:\n")
		for i, r := range chunks {
			fmt.Fprintf(&out, "%d. %s\n", i+1, r.Content)
		}
	} else {
		fmt.Fprintf(&out, "No relevant information found for %q.", params.Query)
	}

	return chatty.ToolResult{Content: out.String()}, nil
}

var _ chatty.Tool = (*KnowledgeTool)(nil)
