package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"chatty"
)

// StreamSSE reads an SSE stream from body and sends one chatty.ProviderChunk
// per decoded delta to ch, implementing §4.7's reasoning-content rescue:
// ChoiceMessage.ReasoningContent — the non-standard field several
// OpenAI-compatible servers emit ahead of their answer — is surfaced as
// ProviderChunk.Reasoning instead of being silently dropped by a standard
// decode. Tool-call deltas are forwarded as-is, one ToolCallFragment per
// item, for the Stream Mapper to accumulate; this function does not
// pre-assemble them.
//
// The channel is closed when streaming completes. The context is used to
// cancel channel sends if the consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- chatty.ProviderChunk) (chatty.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage chatty.Usage

	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				usage = toChattyUsage(chunk.Usage)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			select {
			case ch <- chatty.ProviderChunk{Reasoning: delta.ReasoningContent}:
			case <-ctx.Done():
				return chatty.ChatResponse{}, ctx.Err()
			}
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- chatty.ProviderChunk{Content: delta.Content}:
			case <-ctx.Done():
				return chatty.ChatResponse{}, ctx.Err()
			}
		}

		if len(delta.ToolCalls) > 0 {
			frags := make([]chatty.ToolCallFragment, 0, len(delta.ToolCalls))
			for _, tc := range delta.ToolCalls {
				frags = append(frags, chatty.ToolCallFragment{
					Index:        tc.Index,
					ID:           tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: json.RawMessage(tc.Function.Arguments),
				})

				idx := tc.Index
				for len(toolCalls) <= idx {
					toolCalls = append(toolCalls, partialToolCall{})
				}
				if tc.ID != "" {
					toolCalls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[idx].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				}
			}
			select {
			case ch <- chatty.ProviderChunk{ToolCalls: frags}:
			case <-ctx.Done():
				return chatty.ChatResponse{}, ctx.Err()
			}
		}

		if chunk.Usage != nil {
			usage = toChattyUsage(chunk.Usage)
		}
	}

	if err := scanner.Err(); err != nil {
		return chatty.ChatResponse{}, err
	}

	var calls []chatty.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, chatty.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	return chatty.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: calls,
		Usage:     usage,
	}, nil
}

func toChattyUsage(u *Usage) chatty.Usage {
	out := chatty.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
