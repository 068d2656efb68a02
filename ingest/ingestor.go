package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"chatty"
)

// IngestResult holds the outcome of an ingest operation.
type IngestResult struct {
	DocumentID string
	Document   chatty.Document
	ChunkCount int
}

// defaultMaxContentSize is the default maximum content size for extraction (50 MB).
const defaultMaxContentSize = 50 << 20

// Ingestor provides end-to-end ingestion: extract → chunk → embed → store.
// Unlike Pipeline, it owns the embedding and storage steps too.
type Ingestor struct {
	store         chatty.RAGStore
	embedding     chatty.EmbeddingProvider
	chunker       Chunker
	customChunker bool // true when chunker was set via WithChunker
	extractors    map[ContentType]Extractor
	strategy      ChunkStrategy
	batchSize     int
	maxContentSize int

	// cached auto-select chunkers (avoid allocation per call)
	mdChunker       *MarkdownChunker
	mdParentChunker *MarkdownChunker

	// parent-child config
	parentChunker Chunker
	childChunker  Chunker

	// contextual enrichment config
	contextProvider    chatty.Provider
	contextWorkers     int
	contextMaxDocBytes int

	logger *slog.Logger

	// lifecycle hooks
	onSuccess func(IngestResult)
	onError   func(source string, err error)
}

// NewIngestor creates an Ingestor with sensible defaults.
func NewIngestor(store chatty.RAGStore, emb chatty.EmbeddingProvider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:     store,
		embedding: emb,
		chunker:   NewRecursiveChunker(),
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypeMarkdown:  MarkdownExtractor{},
			TypeCSV:       NewCSVExtractor(),
			TypeJSON:      NewJSONExtractor(),
			TypeDOCX:      NewDOCXExtractor(),
			TypePDF:       NewPDFExtractor(),
		},
		strategy:           StrategyFlat,
		batchSize:          64,
		maxContentSize:     defaultMaxContentSize,
		mdChunker:          NewMarkdownChunker(),
		mdParentChunker:    NewMarkdownChunker(WithMaxTokens(1024)),
		parentChunker:      NewRecursiveChunker(WithMaxTokens(1024)),
		childChunker:       NewRecursiveChunker(WithMaxTokens(256)),
		contextWorkers:     3,
		contextMaxDocBytes: 100_000, // 100KB ≈ ~25K tokens
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// IngestText ingests plain text content.
func (ing *Ingestor) IngestText(ctx context.Context, text, source, title string) (IngestResult, error) {
	now := chatty.NowUnix()
	docID := chatty.NewDocumentID()

	if ing.logger != nil {
		ing.logger.Info("ingest started",
			"doc_id", docID, "source", source, "title", title,
			"content_type", string(TypePlainText),
			"strategy", strategyName(ing.strategy), "content_bytes", len(text))
	}

	doc := chatty.Document{
		ID:        docID,
		Title:     title,
		Source:    source,
		Content:   text,
		CreatedAt: now,
	}

	chunks, err := ing.chunkAndEmbed(ctx, text, docID, TypePlainText)
	if err != nil {
		if ing.logger != nil {
			ing.logger.Error("chunk and embed failed", "doc_id", docID, "source", source, "err", err)
		}
		ing.notifyError(source, err)
		return IngestResult{}, err
	}

	if err := ing.store.StoreDocument(ctx, doc, chunks); err != nil {
		err = fmt.Errorf("store: %w", err)
		if ing.logger != nil {
			ing.logger.Error("store document failed", "doc_id", docID, "source", source, "err", err)
		}
		ing.notifyError(source, err)
		return IngestResult{}, err
	}

	result := IngestResult{DocumentID: docID, Document: doc, ChunkCount: len(chunks)}
	if ing.logger != nil {
		ing.logger.Info("ingest completed", "doc_id", docID, "source", source, "chunk_count", len(chunks))
	}
	if ing.onSuccess != nil {
		ing.onSuccess(result)
	}
	return result, nil
}

// IngestFile ingests file content, detecting the content type from the filename extension.
func (ing *Ingestor) IngestFile(ctx context.Context, content []byte, filename string) (IngestResult, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)

	if ing.maxContentSize > 0 && len(content) > ing.maxContentSize {
		err := fmt.Errorf("content size %d exceeds limit %d", len(content), ing.maxContentSize)
		if ing.logger != nil {
			ing.logger.Error("content size exceeds limit",
				"source", filename, "content_bytes", len(content), "max_bytes", ing.maxContentSize)
		}
		ing.notifyError(filename, err)
		return IngestResult{}, err
	}

	extractor, ok := ing.extractors[ct]
	if !ok {
		if ing.logger != nil {
			ing.logger.Warn("no extractor registered, falling back to plain text",
				"source", filename, "content_type", string(ct))
		}
		extractor = PlainTextExtractor{}
	}

	docID := chatty.NewDocumentID()
	if ing.logger != nil {
		ing.logger.Info("ingest started",
			"doc_id", docID, "source", filename, "content_type", string(ct),
			"strategy", strategyName(ing.strategy), "content_bytes", len(content))
	}

	var text string
	if me, ok := extractor.(MetadataExtractor); ok {
		result, err := safeExtractWithMeta(me, content)
		if err != nil {
			err = fmt.Errorf("extract %s: %w", ct, err)
			ing.notifyError(filename, err)
			return IngestResult{}, err
		}
		text = result.Text
	} else {
		var err error
		text, err = safeExtract(extractor, content)
		if err != nil {
			err = fmt.Errorf("extract %s: %w", ct, err)
			ing.notifyError(filename, err)
			return IngestResult{}, err
		}
	}

	now := chatty.NowUnix()
	doc := chatty.Document{
		ID:        docID,
		Title:     filepath.Base(filename),
		Source:    filename,
		Content:   text,
		CreatedAt: now,
	}

	chunks, err := ing.chunkAndEmbed(ctx, text, docID, ct)
	if err != nil {
		if ing.logger != nil {
			ing.logger.Error("chunk and embed failed", "doc_id", docID, "source", filename, "err", err)
		}
		ing.notifyError(filename, err)
		return IngestResult{}, err
	}

	if err := ing.store.StoreDocument(ctx, doc, chunks); err != nil {
		err = fmt.Errorf("store: %w", err)
		if ing.logger != nil {
			ing.logger.Error("store document failed", "doc_id", docID, "source", filename, "err", err)
		}
		ing.notifyError(filename, err)
		return IngestResult{}, err
	}

	result := IngestResult{DocumentID: docID, Document: doc, ChunkCount: len(chunks)}
	if ing.logger != nil {
		ing.logger.Info("ingest completed", "doc_id", docID, "source", filename, "chunk_count", len(chunks))
	}
	if ing.onSuccess != nil {
		ing.onSuccess(result)
	}
	return result, nil
}

// IngestReader reads all content from r and ingests it, detecting content type from filename.
func (ing *Ingestor) IngestReader(ctx context.Context, r io.Reader, filename string) (IngestResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return IngestResult{}, fmt.Errorf("read: %w", err)
	}
	return ing.IngestFile(ctx, data, filename)
}

// notifyError fires the onError hook if set.
func (ing *Ingestor) notifyError(source string, err error) {
	if ing.onError != nil {
		ing.onError(source, err)
	}
}

// safeExtract calls e.Extract, recovering any panic into an error.
func safeExtract(e Extractor, content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panicked: %v", r)
		}
	}()
	return e.Extract(content)
}

// safeExtractWithMeta calls me.ExtractWithMeta, recovering any panic into an error.
func safeExtractWithMeta(me MetadataExtractor, content []byte) (result ExtractResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panicked: %v", r)
		}
	}()
	return me.ExtractWithMeta(content)
}

// strategyName returns a human-readable name for a ChunkStrategy.
func strategyName(s ChunkStrategy) string {
	switch s {
	case StrategyFlat:
		return "flat"
	case StrategyParentChild:
		return "parent_child"
	default:
		return "unknown"
	}
}

// chunkWith calls ChunkContext if the chunker implements ContextChunker,
// otherwise falls back to Chunk.
func chunkWith(ctx context.Context, chunker Chunker, text string) ([]string, error) {
	if cc, ok := chunker.(ContextChunker); ok {
		return cc.ChunkContext(ctx, text)
	}
	return chunker.Chunk(text), nil
}

// chunkAndEmbed handles chunking (flat or parent-child) and batched embedding.
func (ing *Ingestor) chunkAndEmbed(ctx context.Context, text, docID string, ct ContentType) ([]chatty.Chunk, error) {
	if ing.strategy == StrategyParentChild {
		return ing.chunkParentChild(ctx, text, docID, ct)
	}
	return ing.chunkFlat(ctx, text, docID, ct)
}

// chunkFlat performs single-level chunking with batched embedding.
func (ing *Ingestor) chunkFlat(ctx context.Context, text, docID string, ct ContentType) ([]chatty.Chunk, error) {
	chunkTexts, err := chunkWith(ctx, ing.selectChunker(ct), text)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	if len(chunkTexts) == 0 {
		return nil, nil
	}

	chunks := make([]chatty.Chunk, len(chunkTexts))
	for i, t := range chunkTexts {
		chunks[i] = chatty.Chunk{
			ID:         chatty.NewChunkID(),
			DocumentID: docID,
			Content:    t,
			ChunkIndex: i,
		}
	}

	if ing.contextProvider != nil {
		docText := truncateDocText(text, ing.contextMaxDocBytes)
		enrichChunksWithContext(ctx, ing.contextProvider, chunks, docText, ing.contextWorkers, ing.logger)
	}

	if err := ing.batchEmbed(ctx, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// chunkParentChild performs two-level hierarchical chunking. Parent chunks
// are stored without embeddings; child chunks get embeddings and link back
// to their parent via ParentID.
func (ing *Ingestor) chunkParentChild(ctx context.Context, text, docID string, ct ContentType) ([]chatty.Chunk, error) {
	parentChunker := ing.parentChunker
	if ct == TypeMarkdown {
		parentChunker = ing.mdParentChunker
	}
	if ing.customChunker {
		parentChunker = ing.chunker
	}

	parentTexts, err := chunkWith(ctx, parentChunker, text)
	if err != nil {
		return nil, fmt.Errorf("chunk parent: %w", err)
	}
	if len(parentTexts) == 0 {
		return nil, nil
	}

	var allChunks []chatty.Chunk
	var childChunks []chatty.Chunk
	chunkIdx := 0

	for _, pt := range parentTexts {
		parentID := chatty.NewChunkID()

		parent := chatty.Chunk{
			ID:         parentID,
			DocumentID: docID,
			Content:    pt,
			ChunkIndex: chunkIdx,
		}
		allChunks = append(allChunks, parent)
		chunkIdx++

		childTexts, err := chunkWith(ctx, ing.childChunker, pt)
		if err != nil {
			return nil, fmt.Errorf("chunk child: %w", err)
		}
		for _, childText := range childTexts {
			child := chatty.Chunk{
				ID:         chatty.NewChunkID(),
				DocumentID: docID,
				ParentID:   parentID,
				Content:    childText,
				ChunkIndex: chunkIdx,
			}
			childChunks = append(childChunks, child)
			chunkIdx++
		}
	}

	if ing.contextProvider != nil {
		docText := truncateDocText(text, ing.contextMaxDocBytes)
		enrichChunksWithContext(ctx, ing.contextProvider, childChunks, docText, ing.contextWorkers, ing.logger)
	}

	if err := ing.batchEmbed(ctx, childChunks); err != nil {
		return nil, err
	}

	allChunks = append(allChunks, childChunks...)
	return allChunks, nil
}

// selectChunker returns the appropriate chunker for ct. An explicit chunker
// set via WithChunker always wins.
func (ing *Ingestor) selectChunker(ct ContentType) Chunker {
	if ing.customChunker {
		return ing.chunker
	}
	if ct == TypeMarkdown {
		return ing.mdChunker
	}
	return ing.chunker
}

// batchEmbed embeds chunks in batches of ing.batchSize.
func (ing *Ingestor) batchEmbed(ctx context.Context, chunks []chatty.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i := 0; i < len(chunks); i += ing.batchSize {
		end := min(i+ing.batchSize, len(chunks))
		batch := chunks[i:end]
		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}

		embeddings, err := ing.embedding.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		for j := range batch {
			if j < len(embeddings) {
				chunks[i+j].Embedding = embeddings[j]
			}
		}
	}
	return nil
}
