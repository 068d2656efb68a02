package chatty

import "context"

// HistoryStore persists and replays conversation history (§6). Append is
// idempotent on StoredMessage.ID so a retried write after a crash never
// duplicates a turn; Load returns the most recent max messages in
// chronological order (oldest first), matching what AgentLoop.Run expects
// to splice in ahead of the live query.
type HistoryStore interface {
	Load(ctx context.Context, conversationID string, max int) ([]Message, error)
	Append(ctx context.Context, conversationID, traceID string, msg Message) error
}

// RAGStore persists ingested documents and their chunks and serves both
// vector and keyword search over them. A single implementation backs the
// Retriever the knowledge tool calls into.
type RAGStore interface {
	StoreDocument(ctx context.Context, doc Document, chunks []Chunk) error
	SearchChunks(ctx context.Context, embedding []float32, topK int, filters ...ChunkFilter) ([]ScoredChunk, error)
	SearchChunksKeyword(ctx context.Context, query string, topK int, filters ...ChunkFilter) ([]ScoredChunk, error)
	// GetChunksByIDs fetches chunks (including parent chunks) by id, used by
	// the retriever's parent-child resolution pass.
	GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error)
}

// SemanticCache short-circuits the agent loop for queries that are
// embedding-similar to one already answered. Lookup returns hit == false
// when nothing in the cache clears the implementation's similarity
// threshold; Store records a new query/answer pair after a full round-trip.
type SemanticCache interface {
	Lookup(ctx context.Context, embedding []float32) (answer string, hit bool, err error)
	Store(ctx context.Context, query string, embedding []float32, answer string) error
}

// Init and Close are implemented alongside the above by any backing store
// that owns its own schema/connection lifecycle (e.g. store/postgres.Store);
// they are not part of a single interface because callers already hold the
// concrete type at startup.
