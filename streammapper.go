package chatty

import "encoding/json"

// StreamMapper converts a sequence of ProviderChunk values into the closed
// StreamEvent sum (§4.8), while folding the same chunks into an accumulated
// AIMessage so the caller (the Agent Loop) can inspect whether the model
// requested any tool calls once the stream ends.
//
// A StreamMapper is not safe for concurrent use; one is created per model
// invocation.
type StreamMapper struct {
	messageID string
	content   strBuilder
	calls     []accumulatedCall
	byIndex   map[int]int // fragment index -> position in calls
	byID      map[string]int
}

type accumulatedCall struct {
	id    string
	name  string
	index int
	args  strBuilder
}

// strBuilder is a tiny indirection so zero-value StreamMapper fields work
// without an explicit constructor requirement; in practice NewStreamMapper
// should be used.
type strBuilder struct{ s string }

func (b *strBuilder) WriteString(s string) { b.s += s }
func (b *strBuilder) String() string       { return b.s }

// NewStreamMapper creates a mapper that tags every emitted Content/ToolCall
// event with messageID — the id of the AIMessage this round's stream will
// become once folded.
func NewStreamMapper(messageID string) *StreamMapper {
	return &StreamMapper{
		messageID: messageID,
		byIndex:   make(map[int]int),
		byID:      make(map[string]int),
	}
}

// Map processes one ProviderChunk and returns the StreamEvents it produces,
// in order. Most chunks produce exactly one event; pure argument-continuation
// tool-call fragments (no name) produce none but are still folded into the
// accumulator.
func (m *StreamMapper) Map(chunk ProviderChunk) []StreamEvent {
	var events []StreamEvent

	if len(chunk.ToolCalls) > 0 {
		for _, frag := range chunk.ToolCalls {
			pos := m.accumulate(frag)
			if frag.Name == "" {
				continue
			}
			events = append(events, ToolCallEvent{
				Name:      frag.Name,
				Status:    ToolCallStarted,
				ID:        m.calls[pos].id,
				Arguments: normalizeToolArgs(frag.ArgsFragment),
				MessageID: m.messageID,
			})
		}
		return events
	}

	if chunk.Reasoning != "" {
		return append(events, ThinkingEvent{Content: chunk.Reasoning})
	}

	if chunk.Content != "" {
		m.content.WriteString(chunk.Content)
		return append(events, ContentEvent{Content: chunk.Content, MessageID: m.messageID})
	}

	return events
}

// accumulate folds one tool-call fragment into the running per-call state,
// keyed first by stream index and otherwise by id (once known), and returns
// its position in m.calls.
func (m *StreamMapper) accumulate(frag ToolCallFragment) int {
	pos, ok := m.byIndex[frag.Index]
	if !ok && frag.ID != "" {
		pos, ok = m.byID[frag.ID]
	}
	if !ok {
		m.calls = append(m.calls, accumulatedCall{index: frag.Index})
		pos = len(m.calls) - 1
		m.byIndex[frag.Index] = pos
	}
	c := &m.calls[pos]
	if frag.ID != "" {
		c.id = frag.ID
		m.byID[frag.ID] = pos
	}
	if frag.Name != "" {
		c.name = frag.Name
	}
	if s, isStr := rawAsString(frag.ArgsFragment); isStr {
		c.args.WriteString(s)
	} else if len(frag.ArgsFragment) > 0 {
		// Plain partial (or complete) JSON text — always append; fragments
		// arrive in stream order and must be concatenated, not replaced.
		c.args.WriteString(string(frag.ArgsFragment))
	}
	return pos
}

// Final folds the accumulated content and tool calls into the AIMessage this
// round produced. Call once after the provider's ChatStream/Chat returns.
func (m *StreamMapper) Final() AIMessage {
	ai := AIMessage{ID: m.messageID, Content: m.content.String()}
	for _, c := range m.calls {
		if c.name == "" {
			continue // argument-only fragment that never got a name; not a real call
		}
		ai.ToolCalls = append(ai.ToolCalls, ToolCall{
			ID:   c.id,
			Name: c.name,
			Args: normalizeToolArgsString(c.args.String()),
		})
	}
	return ai
}

// normalizeToolArgs parses a single fragment's own argument payload per
// §4.8: if it arrived as a JSON string, parse that string as JSON; if
// parsing fails (or the fragment was empty), the result is "{}", never a
// crash.
func normalizeToolArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	if s, isStr := rawAsString(raw); isStr {
		return normalizeToolArgsString(s)
	}
	if json.Valid(raw) {
		return raw
	}
	return json.RawMessage(`{}`)
}

// normalizeToolArgsString parses an accumulated argument string (the common
// OpenAI-wire shape: JSON text streamed character by character) as JSON,
// falling back to {} on malformed input.
func normalizeToolArgsString(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage(`{}`)
	}
	raw := json.RawMessage(s)
	if json.Valid(raw) {
		return raw
	}
	return json.RawMessage(`{}`)
}

// rawAsString reports whether raw is a JSON string literal (e.g. `"{\"a\":1}"`)
// and, if so, returns its decoded contents.
func rawAsString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
