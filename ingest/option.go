package ingest

import (
	"log/slog"

	"chatty"
)

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithChunker sets the chunker used for flat strategy, overriding content-type
// auto-selection (e.g. the markdown chunker) entirely.
func WithChunker(c Chunker) Option {
	return func(ing *Ingestor) {
		ing.chunker = c
		ing.customChunker = true
	}
}

// WithParentChunker sets the parent-level chunker for StrategyParentChild.
func WithParentChunker(c Chunker) Option {
	return func(ing *Ingestor) { ing.parentChunker = c }
}

// WithChildChunker sets the child-level chunker for StrategyParentChild.
func WithChildChunker(c Chunker) Option {
	return func(ing *Ingestor) { ing.childChunker = c }
}

// WithStrategy sets the chunking strategy.
func WithStrategy(s ChunkStrategy) Option {
	return func(ing *Ingestor) { ing.strategy = s }
}

// WithParentTokens sets the max tokens for parent chunks (default 1024).
func WithParentTokens(n int) Option {
	return func(ing *Ingestor) {
		ing.parentChunker = NewRecursiveChunker(WithMaxTokens(n))
	}
}

// WithChildTokens sets the max tokens for child chunks (default 256).
func WithChildTokens(n int) Option {
	return func(ing *Ingestor) {
		ing.childChunker = NewRecursiveChunker(WithMaxTokens(n))
	}
}

// WithBatchSize sets the number of chunks per Embed() call (default 64).
func WithBatchSize(n int) Option {
	return func(ing *Ingestor) { ing.batchSize = n }
}

// WithExtractor registers an Extractor for a given ContentType.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithMaxContentSize overrides the maximum accepted content size in bytes
// (default 50 MB). Zero disables the check.
func WithMaxContentSize(n int) Option {
	return func(ing *Ingestor) { ing.maxContentSize = n }
}

// WithContextualEnrichment enables Anthropic-style contextual retrieval:
// before embedding, each chunk is prefixed with an LLM-generated sentence
// situating it within the source document. provider answers the enrichment
// prompt; it is typically a small, cheap model distinct from the main chat
// provider.
func WithContextualEnrichment(provider chatty.Provider) Option {
	return func(ing *Ingestor) { ing.contextProvider = provider }
}

// WithContextWorkers sets the worker pool size used for contextual
// enrichment calls (default 3).
func WithContextWorkers(n int) Option {
	return func(ing *Ingestor) { ing.contextWorkers = n }
}

// WithContextMaxDocBytes caps how much of the source document is sent
// alongside each chunk during contextual enrichment (default 100KB).
func WithContextMaxDocBytes(n int) Option {
	return func(ing *Ingestor) { ing.contextMaxDocBytes = n }
}

// WithLogger attaches structured logging to ingestion lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}

// WithOnSuccess registers a callback fired after each successful ingest.
func WithOnSuccess(fn func(IngestResult)) Option {
	return func(ing *Ingestor) { ing.onSuccess = fn }
}

// WithOnError registers a callback fired whenever extraction, chunking, or
// storage fails for a source.
func WithOnError(fn func(source string, err error)) Option {
	return func(ing *Ingestor) { ing.onError = fn }
}
