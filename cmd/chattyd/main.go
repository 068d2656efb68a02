// Command chattyd is the reference wiring of a complete chatty server:
// config load, concurrency backend, the admission pipeline, the
// retry/gated chat provider, Postgres-backed history/RAG/cache, the agent
// loop, the SSE envelope, and the HTTP endpoint, started under OTEL
// instrumentation end to end.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"chatty"
	"chatty/internal/concurrency"
	"chatty/internal/config"
	"chatty/internal/httpapi"
	"chatty/internal/persona"
	"chatty/internal/sse"
	"chatty/observer"
	"chatty/provider/openaicompat"
	"chatty/store/postgres"
	"chatty/tools/knowledge"
	"chatty/tools/search"
)

func main() {
	cfg := config.Load(os.Getenv("CHATTY_CONFIG_PATH"))

	apiKey := os.Getenv("CHATTY_LLM_API_KEY")
	model := os.Getenv("CHATTY_LLM_MODEL")
	baseURL := os.Getenv("CHATTY_LLM_BASE_URL")
	embedModel := os.Getenv("CHATTY_EMBED_MODEL")
	braveKey := os.Getenv("CHATTY_BRAVE_API_KEY")

	if apiKey == "" || model == "" || baseURL == "" {
		log.Fatal("CHATTY_LLM_API_KEY, CHATTY_LLM_MODEL, and CHATTY_LLM_BASE_URL are required")
	}
	if cfg.DB.DSN == "" {
		log.Fatal("CHATTY_DB_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, shutdownObserver, err := observer.Init(ctx, nil)
	if err != nil {
		log.Fatalf("observer init: %v", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObserver(shutCtx)
	}()

	logger := slog.Default()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	embeddingDim := 1536
	store := postgres.New(pool, postgres.WithEmbeddingDimension(embeddingDim))
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init postgres schema: %v", err)
	}

	rawEmbedding := openaicompat.NewEmbedding(apiKey, embedModel, baseURL, embeddingDim)
	embedding := observer.WrapEmbedding(rawEmbedding, embedModel, inst)

	backend := newConcurrencyBackend(cfg, logger)

	inbox := concurrency.NewInbox(backend, "chatty:inbox", cfg.InboxMaxSize, cfg.SlotTimeout)
	sem := concurrency.NewSemaphore(backend, "chatty:semaphore", "chatty:semaphore:notify", cfg.MaxConcurrency, cfg.SlotTimeout)
	guard := concurrency.NewRequestGuard(backend, concurrency.GuardConfig{
		PerIPLimit:  cfg.ChatRateLimitPerSecond,
		GlobalLimit: cfg.ChatGlobalRateLimit,
		RateWindow:  cfg.RateWindow,
		DedupWindow: cfg.DedupWindow,
		NonceTTL:    cfg.NonceTTL,
	})

	chain := chatty.NewProcessorChain()
	chain.Add(chatty.NewInjectionGuard())
	chain.Add(chatty.NewContentGuard(chatty.MaxOutputLength(cfg.MaxResponseLength)))
	chain.Add(chatty.NewMaxToolCallsGuard(8))

	rawProvider := openaicompat.NewProvider(apiKey, model, baseURL)
	observedProvider := observer.WrapProvider(rawProvider, model, inst)
	guarded := chatty.WithProcessors(observedProvider, chain)
	rateLimited := chatty.WithRateLimit(guarded, chatty.RPM(cfg.LLMRequestsPerMinute), chatty.TPM(cfg.LLMTokensPerMinute))
	retried := chatty.WithRetry(rateLimited, chatty.RetryMaxAttempts(3))
	gated := chatty.WithConcurrencyGate(retried, sem, cfg.AcquireTimeout)

	tools := chatty.NewToolRegistry()
	tools.Add(observer.WrapTool(knowledge.New(store, embedding), inst))
	if braveKey != "" {
		tools.Add(observer.WrapTool(search.New(embedding, braveKey), inst))
	}

	loop := chatty.NewAgentLoop(gated, tools, cfg.MaxToolRounds, cfg.ToolTimeout)
	observedLoop := observer.WrapAgentLoop(loop, model, inst)

	sseMetrics, err := sse.NewMetrics(inst.Meter)
	if err != nil {
		log.Fatalf("build sse metrics: %v", err)
	}
	envelope := sse.NewEnvelope(cfg.RequestTimeout, cfg.SendTraceback, sseMetrics, logger)

	httpMetrics, err := httpapi.NewMetrics(inst.Meter)
	if err != nil {
		log.Fatalf("build http metrics: %v", err)
	}

	retriever := chatty.NewHybridRetriever(store, embedding)

	handler := httpapi.New(cfg, inbox, guard, store, observedLoop, envelope,
		httpapi.WithRetriever(retriever, 5),
		httpapi.WithPersona(persona.Default()),
		httpapi.WithSemanticCache(store, embedding),
		httpapi.WithMetrics(httpMetrics),
		httpapi.WithLogger(logger),
	)

	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("chattyd listening", "addr", cfg.Server.Addr, "api_prefix", cfg.Server.APIPrefix)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// newConcurrencyBackend picks the Redis-backed Backend (shared across
// replicas) when cfg.Redis.Addr is set, falling back to the in-process
// Local backend for single-replica/dev mode (§4.2).
func newConcurrencyBackend(cfg config.Config, logger *slog.Logger) concurrency.Backend {
	if cfg.Redis.Addr == "" {
		logger.Info("concurrency backend: local")
		return concurrency.NewLocalBackend()
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("concurrency backend: redis", "addr", cfg.Redis.Addr)
	return concurrency.NewRedisBackend(rdb)
}
