package chatty

import "encoding/json"

// StreamEvent is the closed sum type serialized as one SSE `data:` frame.
// Variants: QueuedEvent, ThinkingEvent, ContentEvent, ToolCallEvent,
// ErrorEvent. Ordering invariants (enforced by the agent loop and SSE
// envelope, not by the type itself): Queued is always first; for a given
// tool call, started precedes completed/error; Error, if present, is last.
type StreamEvent interface {
	eventType() string
}

// QueuedEvent is emitted exactly once, first, after inbox admission.
type QueuedEvent struct {
	Position int
}

func (QueuedEvent) eventType() string { return "queued" }

// ThinkingEvent carries provider reasoning tokens. Zero or more per stream;
// content is additive (concatenation order matters, value does not replace).
type ThinkingEvent struct {
	Content string
}

func (ThinkingEvent) eventType() string { return "thinking" }

// ContentEvent carries user-visible answer tokens. Concatenation in emission
// order yields the final answer for the turn.
type ContentEvent struct {
	Content   string
	MessageID string `json:"message_id,omitempty"`
}

func (ContentEvent) eventType() string { return "content" }

// ToolCallStatus is the lifecycle stage of one tool call.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallEvent reports one stage of a tool call's lifecycle. started
// carries Arguments; completed/error carry Result. Every completed/error is
// preceded in the same stream by a started with the same MessageID (when
// MessageID is set).
type ToolCallEvent struct {
	Name      string
	Status    ToolCallStatus
	ID        string
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// ErrorEvent is terminal: at most one per stream, emitted only on failure
// paths, always last when present.
type ErrorEvent struct {
	Message string
	Code    string `json:"code,omitempty"`
}

func (ErrorEvent) eventType() string { return "error" }

// Error codes carried on ErrorEvent.Code.
const (
	CodeModelBusy       = "MODEL_BUSY"
	CodeModelUnreachable = "MODEL_UNREACHABLE"
	CodeRequestTimeout   = "REQUEST_TIMEOUT"
	CodeProcessingError  = "PROCESSING_ERROR"
)

// MarshalStreamEvent serializes a StreamEvent to its wire form:
// {"type": "<tag>", ...fields}. This is the one place the "type" discriminator
// is attached, keeping the variant structs themselves free of a redundant tag
// field.
func MarshalStreamEvent(e StreamEvent) ([]byte, error) {
	switch v := e.(type) {
	case QueuedEvent:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Position int    `json:"position"`
		}{"queued", v.Position})
	case ThinkingEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}{"thinking", v.Content})
	case ContentEvent:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			MessageID string `json:"message_id,omitempty"`
		}{"content", v.Content, v.MessageID})
	case ToolCallEvent:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			Name      string          `json:"name"`
			Status    ToolCallStatus  `json:"status"`
			ID        string          `json:"id,omitempty"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
			Result    string          `json:"result,omitempty"`
			MessageID string          `json:"message_id,omitempty"`
		}{"tool_call", v.Name, v.Status, v.ID, v.Arguments, v.Result, v.MessageID})
	case ErrorEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    string `json:"code,omitempty"`
		}{"error", v.Message, v.Code})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"unknown"})
	}
}
