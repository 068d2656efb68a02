package chatty

import "encoding/json"

// --- Conversation history: closed sum type ---
//
// Message is the polymorphic history entry described in the data model:
// System, Human, AI, and Tool variants. Each carries an opaque ID and
// textual content; AI additionally carries tool calls, Tool additionally
// carries the call it answers. The set of implementations is closed — all
// four live in this file — matching the "tagged sum type" design note.

// MessageRole discriminates the four Message variants. It doubles as the
// on-wire/on-disk tag when messages are persisted.
type MessageRole string

const (
	RoleSystem MessageRole = "system"
	RoleHuman  MessageRole = "human"
	RoleAI     MessageRole = "ai"
	RoleTool   MessageRole = "tool"
)

// Message is implemented by SystemMessage, HumanMessage, AIMessage, and
// ToolMessage. Callers that need variant-specific fields (tool calls on AI,
// tool_call_id on Tool) type-switch on the concrete type.
type Message interface {
	MessageID() string
	MessageRole() MessageRole
	MessageContent() string
}

// SystemMessage carries the persona/instructions prompt. Always first in an
// agent loop's working message list.
type SystemMessage struct {
	ID      string
	Content string
}

func (m SystemMessage) MessageID() string        { return m.ID }
func (m SystemMessage) MessageRole() MessageRole  { return RoleSystem }
func (m SystemMessage) MessageContent() string    { return m.Content }

// HumanMessage is the end user's query, either freshly submitted or loaded
// from history.
type HumanMessage struct {
	ID      string
	Content string
}

func (m HumanMessage) MessageID() string       { return m.ID }
func (m HumanMessage) MessageRole() MessageRole { return RoleHuman }
func (m HumanMessage) MessageContent() string   { return m.Content }

// AIMessage is a model turn, optionally carrying tool calls the model
// requested. When ToolCalls is non-empty the agent loop continues; when it
// is empty the loop (or the original stream) terminates naturally.
type AIMessage struct {
	ID        string
	Content   string
	ToolCalls []ToolCall
}

func (m AIMessage) MessageID() string       { return m.ID }
func (m AIMessage) MessageRole() MessageRole { return RoleAI }
func (m AIMessage) MessageContent() string   { return m.Content }

// ToolMessage is the stringified result of one tool execution. ToolCallID
// must reference an AIMessage.ToolCalls[i].ID that appears earlier in the
// same ordered history — this is the invariant history readers/writers must
// preserve; it is not separately enforced by this type.
type ToolMessage struct {
	ID         string
	Content    string
	ToolCallID string
	Name       string
}

func (m ToolMessage) MessageID() string       { return m.ID }
func (m ToolMessage) MessageRole() MessageRole { return RoleTool }
func (m ToolMessage) MessageContent() string   { return m.Content }

// ToolCall is a single tool invocation requested by the model: a name, a
// mapping of string to arbitrary JSON, and an opaque id correlating the
// eventual Tool message and ToolCall stream events.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes one callable tool for binding onto a model
// request; Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Chat context ---

// ChatContext is created once admission succeeds and is immutable for the
// remainder of the request: the query, the resolved/minted conversation and
// trace ids, and the ordered prior history (empty for a new conversation).
type ChatContext struct {
	Query          string
	ConversationID string
	TraceID        string
	History        []Message
}

// --- StoredMessage: the persistence-layer record ---

// StoredMessage is the row shape a History reader/writer persists. It is
// deliberately distinct from Message (the in-flight domain sum type) so the
// two never collide on name or shape; ToStored/FromStored convert between
// them. Embedding is populated only when semantic search/cache needs it.
type StoredMessage struct {
	ID             string
	ConversationID string
	TraceID        string
	Role           MessageRole
	Content        string
	ToolCalls      []ToolCall // set only when Role == RoleAI
	ToolCallID     string     // set only when Role == RoleTool
	ToolName       string     // set only when Role == RoleTool
	Embedding      []float32
	CreatedAt      int64
}

// ToStored converts a Message into its persisted row shape.
func ToStored(conversationID, traceID string, m Message) StoredMessage {
	s := StoredMessage{
		ID:             m.MessageID(),
		ConversationID: conversationID,
		TraceID:        traceID,
		Role:           m.MessageRole(),
		Content:        m.MessageContent(),
	}
	switch v := m.(type) {
	case AIMessage:
		s.ToolCalls = v.ToolCalls
	case ToolMessage:
		s.ToolCallID = v.ToolCallID
		s.ToolName = v.Name
	}
	return s
}

// FromStored reconstructs the domain Message from its persisted row.
func FromStored(s StoredMessage) Message {
	switch s.Role {
	case RoleSystem:
		return SystemMessage{ID: s.ID, Content: s.Content}
	case RoleAI:
		return AIMessage{ID: s.ID, Content: s.Content, ToolCalls: s.ToolCalls}
	case RoleTool:
		return ToolMessage{ID: s.ID, Content: s.Content, ToolCallID: s.ToolCallID, Name: s.ToolName}
	default:
		return HumanMessage{ID: s.ID, Content: s.Content}
	}
}

// --- RAG knowledge base records (kept from the teacher's ingestion pipeline) ---

// Document is one ingested knowledge source.
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Chunk is one retrievable slice of a Document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunk_index"`
	Embedding  []float32 `json:"-"`
}

// ScoredChunk pairs a Chunk with its similarity score from a vector search.
type ScoredChunk struct {
	Chunk
	Score float32
}

// ChunkFilter narrows a chunk search, e.g. by document id or source.
type ChunkFilter struct {
	DocumentID string
	Source     string
}

// --- Conversation record ---

// Conversation is the persisted conversation-level record (title/metadata),
// independent of its message history.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// --- Model protocol types (provider-facing, flat — not the Message sum) ---

// ChatMessage is the flat, provider-facing message shape used on
// Provider.Chat/ChatWithTools/ChatStream requests. The agent loop converts
// its ordered []Message working list into []ChatMessage immediately before
// each round's model call.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // e.g. rescued reasoning_content
}

func SystemChatMessage(text string) ChatMessage { return ChatMessage{Role: "system", Content: text} }
func UserChatMessage(text string) ChatMessage   { return ChatMessage{Role: "user", Content: text} }
func AssistantChatMessage(text string, calls []ToolCall) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text, ToolCalls: calls}
}
func ToolChatMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// ToChatMessages flattens an ordered []Message working list into the
// provider-facing wire shape.
func ToChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case SystemMessage:
			out = append(out, SystemChatMessage(v.Content))
		case HumanMessage:
			out = append(out, UserChatMessage(v.Content))
		case AIMessage:
			out = append(out, AssistantChatMessage(v.Content, v.ToolCalls))
		case ToolMessage:
			out = append(out, ToolChatMessage(v.ToolCallID, v.Content))
		}
	}
	return out
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// GenerationParams carries per-request sampling overrides. A nil pointer on
// ChatRequest means "use the provider's configured defaults".
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
}

// ChatRequest is the Provider-facing request envelope.
type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"-"`
}

// ChatResponse is the Provider-facing, fully-accumulated response.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage holds token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Image is an inline embedded image extracted alongside document text, e.g.
// a figure pulled from a DOCX or PDF page. Extractors that encounter images
// attach them to the PageMeta covering the text around them.
type Image struct {
	MimeType string
	Base64   string
}
