// Package httpapi implements the HTTP Endpoint Composition (§4.11): the
// single streaming chat endpoint that wires request-guard, inbox admission,
// history load, optional knowledge retrieval, the agent loop, and the SSE
// envelope together in the order the spec fixes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"chatty"
	"chatty/internal/concurrency"
	"chatty/internal/config"
	"chatty/internal/persona"
	"chatty/internal/sse"
)

const maxQueryLen = 512
const maxNonceLen = 128

// maxBodyBytes bounds the raw request body read before JSON decoding even
// starts, independent of the field-level length checks below.
const maxBodyBytes = 8 << 10

// Handler composes the chat endpoint's dependencies. Build one with New and
// register it with Register; it is safe for concurrent use by net/http.
type Handler struct {
	prefix                string
	maxConversationLength int

	inbox   *concurrency.Inbox
	guard   *concurrency.RequestGuard
	history chatty.HistoryStore

	agentLoop AgentRunner
	envelope  *sse.Envelope

	persona      persona.Loader
	retriever    chatty.Retriever
	retrieveTopK int

	semCache  chatty.SemanticCache
	embedding chatty.EmbeddingProvider

	metrics *Metrics
	logger  *slog.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithRetriever wires an optional knowledge-retrieval step (§4.9's
// supplemented RAG flow) between history load and agent-loop start. Its
// results are folded into the persona/system prompt, never into the
// StreamEvent sum.
func WithRetriever(r chatty.Retriever, topK int) Option {
	return func(h *Handler) {
		h.retriever = r
		if topK > 0 {
			h.retrieveTopK = topK
		}
	}
}

// WithPersona overrides the default static persona loader.
func WithPersona(l persona.Loader) Option {
	return func(h *Handler) { h.persona = l }
}

// WithSemanticCache wires an optional pre-agent-loop check: the incoming
// query is embedded and looked up against cache before the inbox-admitted
// request ever reaches the agent loop. A hit serves the cached answer as a
// single ContentEvent and skips the model entirely; a miss falls through to
// the normal agent-loop path and the eventual answer is stored back.
func WithSemanticCache(cache chatty.SemanticCache, embedding chatty.EmbeddingProvider) Option {
	return func(h *Handler) {
		h.semCache = cache
		h.embedding = embedding
	}
}

// WithMetrics attaches the rejection counter built by NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// AgentRunner is the subset of *chatty.AgentLoop the endpoint depends on —
// declared structurally so an observability wrapper around the loop (e.g.
// observer.WrapAgentLoop) can be substituted without this package importing
// the observer package.
type AgentRunner interface {
	Run(ctx context.Context, systemPrompt string, history []chatty.Message, query string, out chan<- chatty.StreamEvent) error
}

// New builds a Handler. history may be nil to run without conversation
// persistence (history load becomes a no-op and nothing is appended).
func New(cfg config.Config, inbox *concurrency.Inbox, guard *concurrency.RequestGuard, history chatty.HistoryStore, agentLoop AgentRunner, envelope *sse.Envelope, opts ...Option) *Handler {
	h := &Handler{
		prefix:                cfg.Server.APIPrefix,
		maxConversationLength: cfg.MaxConversationLength,
		inbox:                 inbox,
		guard:                 guard,
		history:               history,
		agentLoop:             agentLoop,
		envelope:              envelope,
		persona:               persona.Default(),
		retrieveTopK:          5,
		logger:                slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the chat endpoint on mux at "<prefix>/chat".
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.prefix+"/chat", h.handleChat)
}

type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	Nonce          string `json:"nonce"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeChatRequest(w, r)
	if err != nil {
		h.reject(w, http.StatusUnprocessableEntity, err.Error(), "validation")
		return
	}

	ip := concurrency.ResolveClientIP(r)

	if err := h.guard.Check(ctx, ip, req.Query, req.Nonce); err != nil {
		h.rejectGuardErr(w, err)
		return
	}

	position, err := h.inbox.Enter(ctx)
	if err != nil {
		var full concurrency.ErrInboxFull
		if errors.As(err, &full) {
			h.reject(w, http.StatusTooManyRequests, "server is at capacity, try again shortly", "inbox_full")
			return
		}
		h.logger.Error("inbox enter failed", "error", err)
		h.reject(w, http.StatusInternalServerError, "internal error", "inbox_error")
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := h.inbox.Leave(context.Background()); err != nil {
			h.logger.Error("inbox leave failed", "error", err)
		}
	}
	defer release()

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = chatty.NewConversationID()
	}
	traceID := chatty.NewTraceID()

	var history []chatty.Message
	if h.history != nil {
		history, err = h.history.Load(ctx, conversationID, h.maxConversationLength)
		if err != nil {
			h.logger.Error("history load failed", "conversation_id", conversationID, "error", err)
			history = nil
		}
	}

	systemPrompt := h.buildSystemPrompt(ctx, req.Query)

	queryEmbedding := h.embedQuery(ctx, req.Query)
	cached, cacheHit := h.lookupSemanticCache(ctx, queryEmbedding)

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Chatty-Trace", traceID)
	w.Header().Set("X-Chatty-Conversation", conversationID)
	w.Header().Set("Access-Control-Expose-Headers", "X-Chatty-Trace, X-Chatty-Conversation")
	w.WriteHeader(http.StatusOK)

	var gen sse.Generator
	if cacheHit {
		gen = h.cachedGenerator(cached, req.Query, conversationID, traceID, position)
	} else {
		gen = h.generator(systemPrompt, history, req.Query, conversationID, traceID, position, queryEmbedding)
	}
	h.envelope.Run(ctx, w, gen, release)
}

// embedQuery computes the query embedding used for the semantic-cache
// lookup/store round trip. Returns nil when no cache/embedding provider is
// wired, or when embedding fails — callers treat nil as "cache disabled for
// this request" rather than an error.
func (h *Handler) embedQuery(ctx context.Context, query string) []float32 {
	if h.semCache == nil || h.embedding == nil {
		return nil
	}
	vecs, err := h.embedding.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			h.logger.Error("query embedding failed", "error", err)
		}
		return nil
	}
	return vecs[0]
}

// lookupSemanticCache checks the cache for an embedding-similar prior
// answer. A lookup error degrades to a miss rather than failing the request.
func (h *Handler) lookupSemanticCache(ctx context.Context, embedding []float32) (string, bool) {
	if h.semCache == nil || embedding == nil {
		return "", false
	}
	answer, hit, err := h.semCache.Lookup(ctx, embedding)
	if err != nil {
		h.logger.Error("semantic cache lookup failed", "error", err)
		return "", false
	}
	return answer, hit
}

// cachedGenerator serves a semantic-cache hit: Queued, then the cached
// answer as a single ContentEvent, then best-effort history persistence. The
// agent loop and model are never invoked.
func (h *Handler) cachedGenerator(answer, query, conversationID, traceID string, position int) sse.Generator {
	return func(ctx context.Context, out chan<- chatty.StreamEvent) error {
		select {
		case out <- chatty.QueuedEvent{Position: position}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case out <- chatty.ContentEvent{Content: answer, MessageID: chatty.NewMessageID()}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if h.history != nil {
			h.persistTurn(conversationID, traceID, query, answer)
		}
		return nil
	}
}

// generator builds the Generator passed to the SSE envelope: it yields
// Queued first, then delegates to the agent loop, forwarding every event
// while watching ctx between sends so a client disconnect or request
// timeout unwinds without blocking on a full channel. On a clean finish it
// persists the turn to history, best-effort.
func (h *Handler) generator(systemPrompt string, history []chatty.Message, query, conversationID, traceID string, position int, queryEmbedding []float32) sse.Generator {
	return func(ctx context.Context, out chan<- chatty.StreamEvent) error {
		select {
		case out <- chatty.QueuedEvent{Position: position}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var answer strings.Builder
		inner := make(chan chatty.StreamEvent, 16)
		done := make(chan error, 1)
		go func() {
			defer close(inner)
			done <- h.agentLoop.Run(ctx, systemPrompt, history, query, inner)
		}()

		for ev := range inner {
			if ce, ok := ev.(chatty.ContentEvent); ok {
				answer.WriteString(ce.Content)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := <-done
		if err == nil {
			final := answer.String()
			if h.history != nil {
				h.persistTurn(conversationID, traceID, query, final)
			}
			h.storeSemanticCache(query, queryEmbedding, final)
		}
		return err
	}
}

// storeSemanticCache records a completed turn so a future embedding-similar
// query can be served from cache. No-op when no cache is wired, embedding
// failed earlier, or the answer came back empty.
func (h *Handler) storeSemanticCache(query string, embedding []float32, answer string) {
	if h.semCache == nil || embedding == nil || answer == "" {
		return
	}
	if err := h.semCache.Store(context.Background(), query, embedding, answer); err != nil {
		h.logger.Error("semantic cache store failed", "error", err)
	}
}

// persistTurn appends the human query and, if non-empty, the assembled
// answer to history. Runs against a detached context: the client's
// connection (and the request context it carries) may already be gone by
// the time the stream finishes.
func (h *Handler) persistTurn(conversationID, traceID, query, answer string) {
	ctx := context.Background()
	if err := h.history.Append(ctx, conversationID, traceID, chatty.HumanMessage{ID: chatty.NewMessageID(), Content: query}); err != nil {
		h.logger.Error("history append (human) failed", "conversation_id", conversationID, "error", err)
	}
	if answer == "" {
		return
	}
	if err := h.history.Append(ctx, conversationID, traceID, chatty.AIMessage{ID: chatty.NewMessageID(), Content: answer}); err != nil {
		h.logger.Error("history append (ai) failed", "conversation_id", conversationID, "error", err)
	}
}

// buildSystemPrompt loads the persona prompt and, if a retriever is wired,
// folds matching knowledge-base chunks into it. Retrieval failures degrade
// gracefully: the request proceeds with whatever prompt it already has.
func (h *Handler) buildSystemPrompt(ctx context.Context, query string) string {
	base, err := h.persona.Load(ctx)
	if err != nil {
		h.logger.Error("persona load failed", "error", err)
		base = persona.DefaultPrompt
	}
	if h.retriever == nil {
		return base
	}

	results, err := h.retriever.Retrieve(ctx, query, h.retrieveTopK)
	if err != nil {
		h.logger.Error("knowledge retrieval failed", "error", err)
		return base
	}
	if len(results) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nRelevant knowledge base context:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Content)
	}
	return b.String()
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("malformed request body: %w", err)
	}
	if req.Query == "" {
		return chatRequest{}, errors.New("query is required")
	}
	if len(req.Query) > maxQueryLen {
		return chatRequest{}, fmt.Errorf("query exceeds %d bytes", maxQueryLen)
	}
	if len(req.Nonce) > maxNonceLen {
		return chatRequest{}, fmt.Errorf("nonce exceeds %d bytes", maxNonceLen)
	}
	return req, nil
}

func (h *Handler) rejectGuardErr(w http.ResponseWriter, err error) {
	var rateLimited concurrency.ErrRateLimited
	var duplicate concurrency.ErrDuplicateRequest
	switch {
	case errors.As(err, &rateLimited):
		h.reject(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited_"+string(rateLimited.Scope))
	case errors.As(err, &duplicate):
		h.reject(w, http.StatusConflict, "duplicate request", "duplicate_"+duplicate.Reason)
	default:
		h.logger.Error("request guard check failed", "error", err)
		h.reject(w, http.StatusInternalServerError, "internal error", "guard_error")
	}
}

// reject writes a JSON error body and, when metrics are wired, counts the
// rejection by reason — rejections are tracked separately from the SSE
// envelope's completed-session counter (§4.11).
func (h *Handler) reject(w http.ResponseWriter, status int, detail, reason string) {
	if h.metrics != nil {
		h.metrics.RejectionsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: detail})
}
