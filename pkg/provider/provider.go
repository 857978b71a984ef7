package provider

import "context"

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider defines the interface for chat model backends.
type Provider interface {
	// Chat sends a chat transcript and returns the model response.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider identifier (e.g. "ollama").
	Name() string
}

// Request represents a chat request to a model backend.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents a chat response from a model backend. Token counts
// are filled when the backend reports them and stay zero otherwise.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}
