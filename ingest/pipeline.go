package ingest

import (
	"path/filepath"
	"strings"

	"chatty"
)

// Pipeline handles text extraction, chunking, and document/chunk creation.
// Embedding and storage are NOT handled here — the caller is responsible.
type Pipeline struct {
	chunker *RecursiveChunker
}

// NewPipeline creates a pipeline with the given chunk/overlap size in tokens.
func NewPipeline(maxTokens, overlapTokens int) *Pipeline {
	return &Pipeline{
		chunker: NewRecursiveChunker(WithMaxTokens(maxTokens), WithOverlapTokens(overlapTokens)),
	}
}

// PipelineResult holds the document and its chunks ready for embedding + storage.
type PipelineResult struct {
	Document chatty.Document
	Chunks   []chatty.Chunk
}

// IngestText creates a Document + Chunks from plain text.
func (p *Pipeline) IngestText(content, source string, title string) PipelineResult {
	now := chatty.NowUnix()
	docID := chatty.NewDocumentID()

	doc := chatty.Document{
		ID:        docID,
		Title:     title,
		Source:    source,
		Content:   content,
		CreatedAt: now,
	}

	chunkTexts := p.chunker.Chunk(content)
	chunks := make([]chatty.Chunk, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks[i] = chatty.Chunk{
			ID:         chatty.NewChunkID(),
			DocumentID: docID,
			Content:    text,
			ChunkIndex: i,
		}
	}

	return PipelineResult{Document: doc, Chunks: chunks}
}

// IngestHTML extracts text from HTML, then chunks it.
func (p *Pipeline) IngestHTML(html, sourceURL string) PipelineResult {
	text := StripHTML(html)
	title := sourceURL
	if title == "" {
		title = "web page"
	}
	return p.IngestText(text, sourceURL, title)
}

// IngestFile extracts text based on file extension, then chunks it.
func (p *Pipeline) IngestFile(content, filename string) PipelineResult {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)
	text := ExtractText(content, ct)

	title := filepath.Base(filename)
	return p.IngestText(text, filename, title)
}
