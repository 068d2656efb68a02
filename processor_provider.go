package chatty

import "context"

// processedProvider wraps a Provider so every invocation runs the chain's
// PreLLM hooks on the outgoing request and PostLLM hooks on the incoming
// response, in registration order. An ErrHalt from either hook short-
// circuits the call with a canned ChatResponse instead of reaching the
// model at all.
type processedProvider struct {
	inner Provider
	chain *ProcessorChain
}

// WithProcessors wraps p with chain's PreLLM/PostLLM hooks. Compose with the
// other Provider wrappers; order matters — processors typically run closest
// to the model, inside retry/gate:
//
//	chatLLM = chatty.WithConcurrencyGate(chatty.WithRetry(chatty.WithProcessors(provider, chain)), sem, timeout)
func WithProcessors(p Provider, chain *ProcessorChain) Provider {
	if chain == nil || chain.Len() == 0 {
		return p
	}
	return &processedProvider{inner: p, chain: chain}
}

func (w *processedProvider) Name() string { return w.inner.Name() }

func (w *processedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := w.chain.RunPreLLM(ctx, &req); err != nil {
		if halt, ok := err.(*ErrHalt); ok {
			return ChatResponse{Content: halt.Response}, nil
		}
		return ChatResponse{}, err
	}
	resp, err := w.inner.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	if err := w.chain.RunPostLLM(ctx, &resp); err != nil {
		if halt, ok := err.(*ErrHalt); ok {
			return ChatResponse{Content: halt.Response}, nil
		}
		return ChatResponse{}, err
	}
	return resp, nil
}

func (w *processedProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	req.Tools = tools
	return w.Chat(ctx, req)
}

// ChatStream runs PreLLM before streaming starts. PostLLM does not apply —
// there is no single accumulated ChatResponse to inspect until the stream
// mapper folds one together downstream, by which point this wrapper has
// already returned.
func (w *processedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- ProviderChunk) (ChatResponse, error) {
	if err := w.chain.RunPreLLM(ctx, &req); err != nil {
		close(ch)
		if halt, ok := err.(*ErrHalt); ok {
			return ChatResponse{Content: halt.Response}, nil
		}
		return ChatResponse{}, err
	}
	return w.inner.ChatStream(ctx, req, ch)
}

var _ Provider = (*processedProvider)(nil)
