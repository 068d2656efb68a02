// Package chatty is a streaming chat service that fronts an
// OpenAI-compatible LLM over Server-Sent Events, backed by a bounded
// admission pipeline (inbox, model semaphore, request guard), a bounded
// multi-round tool-calling agent loop, and Postgres/pgvector persistence
// for history, RAG, and a semantic cache.
//
// # Core Interfaces
//
// The root package defines the contracts every collaborator implements:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding for RAG and the
//     semantic cache
//   - [Tool] — pluggable capability for LLM function calling
//   - [HistoryStore], [RAGStore], [SemanticCache] — persistence surfaces
//   - [Retriever] — knowledge-base search backing the knowledge tool
//
// [AgentLoop] drives a Provider through up to MaxRounds tool-calling
// rounds, converting each streamed chunk into a [StreamEvent] via the
// Stream Mapper ([NewStreamMapper]). internal/sse wraps that event
// stream in the wire-level SSE envelope; internal/concurrency implements
// the inbox/semaphore/request-guard admission pipeline in front of it.
//
// See cmd/chattyd for the reference wiring of a complete server.
package chatty
