package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatty"
)

// Embedding implements chatty.EmbeddingProvider against any OpenAI-compatible
// /embeddings endpoint (OpenAI, Together, Fireworks, vLLM, and the rest of
// the hosts Provider already targets).
type Embedding struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

// NewEmbedding creates an embedding client. dimensions must match the
// model's actual output size — the server does not echo it back for
// validation, so a mismatch surfaces as a pgvector dimension error at store
// time rather than here.
func NewEmbedding(apiKey, model, baseURL string, dimensions int) *Embedding {
	return &Embedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai",
	}
}

func (e *Embedding) Name() string  { return e.name }
func (e *Embedding) Dimensions() int { return e.dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per text, in the same order as texts.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, &chatty.ErrLLM{Provider: e.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &chatty.ErrLLM{Provider: e.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &chatty.ErrUpstreamUnreachable{Provider: e.name, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &chatty.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: chatty.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &chatty.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ chatty.EmbeddingProvider = (*Embedding)(nil)
