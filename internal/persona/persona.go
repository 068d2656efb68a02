// Package persona supplies the system prompt the agent loop seeds every
// conversation with. The original persona/prompt authoring tooling is out
// of scope (spec.md §1); this package only needs to give §4.9's agent loop
// a concrete System(persona prompt) collaborator to compile and test
// against.
package persona

import "context"

// Loader returns the persona/system prompt text for a conversation. ctx is
// accepted for parity with collaborators that load personas from a store
// or remote config; Static ignores it.
type Loader interface {
	Load(ctx context.Context) (string, error)
}

// Static is a Loader that always returns a fixed prompt string.
type Static string

func (s Static) Load(context.Context) (string, error) { return string(s), nil }

// DefaultPrompt is used when no persona source is configured.
const DefaultPrompt = "You are Chatty, a helpful AI assistant. Answer concisely, and when knowledge-base context is provided below, prefer it over general knowledge and say when you're relying on it."

// Default returns a Loader serving DefaultPrompt.
func Default() Loader { return Static(DefaultPrompt) }
