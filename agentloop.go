package chatty

import (
	"context"
	"time"
)

// DefaultMaxToolRounds is §4.9's recommended default for R_max.
const DefaultMaxToolRounds = 3

// AgentLoop drives a Provider through up to MaxRounds tool-calling rounds,
// streaming every decoded chunk out as StreamEvents via the Stream Mapper
// and executing any requested tools through Tools between rounds.
type AgentLoop struct {
	Provider    Provider
	Tools       *ToolRegistry
	MaxRounds   int
	ToolTimeout time.Duration
}

// NewAgentLoop builds a loop with the given collaborators. maxRounds <= 0
// falls back to DefaultMaxToolRounds.
func NewAgentLoop(provider Provider, tools *ToolRegistry, maxRounds int, toolTimeout time.Duration) *AgentLoop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &AgentLoop{Provider: provider, Tools: tools, MaxRounds: maxRounds, ToolTimeout: toolTimeout}
}

// Run builds the working message list [System, ...history, Human(query)]
// and drives rounds until the model stops requesting tools or MaxRounds is
// reached, writing every StreamEvent it produces to out in order. Run does
// not close out — the caller (the SSE envelope's generator) owns that.
//
// Termination is natural (no tool calls in the round's final message) or by
// round-cap; round-cap does not synthesize an error event — whatever the
// model last streamed is what the caller already saw.
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, history []Message, query string, out chan<- StreamEvent) error {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, SystemMessage{ID: NewMessageID(), Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, HumanMessage{ID: NewMessageID(), Content: query})

	tools := a.Tools.AllDefinitions()

	for round := 0; round < a.MaxRounds; round++ {
		final, err := a.streamRound(ctx, messages, tools, out)
		if err != nil {
			return err
		}
		messages = append(messages, final)

		if len(final.ToolCalls) == 0 {
			return nil
		}

		for _, tc := range final.ToolCalls {
			result, toolErr := a.executeTool(ctx, tc)
			status := ToolCallCompleted
			if toolErr != "" {
				status = ToolCallError
				result = toolErr
			}
			select {
			case out <- ToolCallEvent{Name: tc.Name, Status: status, ID: tc.ID, Result: result, MessageID: final.ID}:
			case <-ctx.Done():
				return ctx.Err()
			}
			messages = append(messages, ToolMessage{ID: NewMessageID(), Content: result, ToolCallID: tc.ID, Name: tc.Name})
		}
	}

	return nil
}

// streamRound runs one model-streaming call, piping every mapped event to
// out as it arrives, and returns the accumulated AIMessage for the round.
func (a *AgentLoop) streamRound(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- StreamEvent) (AIMessage, error) {
	messageID := NewMessageID()
	mapper := NewStreamMapper(messageID)

	providerCh := make(chan ProviderChunk, 16)
	var resp ChatResponse
	var streamErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, streamErr = a.Provider.ChatStream(ctx, ChatRequest{
			Messages: ToChatMessages(messages),
			Tools:    tools,
		}, providerCh)
	}()
	_ = resp

	for chunk := range providerCh {
		for _, ev := range mapper.Map(chunk) {
			select {
			case out <- ev:
			case <-ctx.Done():
				<-done
				return AIMessage{}, ctx.Err()
			}
		}
	}
	<-done

	if streamErr != nil {
		return AIMessage{}, streamErr
	}
	return mapper.Final(), nil
}

// executeTool normalizes one tool call, runs it through the registry under
// a per-tool deadline, and returns either its stringified result or, on
// failure, the "Error: <msg>" text that becomes the ToolCall.error event's
// Result (toolErr is non-empty exactly when the call failed).
func (a *AgentLoop) executeTool(ctx context.Context, tc ToolCall) (result string, toolErr string) {
	toolCtx := ctx
	var cancel context.CancelFunc
	if a.ToolTimeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, a.ToolTimeout)
		defer cancel()
	}

	res, err := a.Tools.Execute(toolCtx, tc.Name, tc.Args)
	if err != nil {
		return "", "Error: " + err.Error()
	}
	if res.Error != "" {
		return "", "Error: " + res.Error
	}
	return res.Content, ""
}
