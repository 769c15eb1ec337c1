// Package provider wraps upstream LLM streaming APIs behind a single
// normalized interface. Each provider family has one implementation;
// callers select a provider through the Registry and never branch on
// provider identity themselves.
package provider

import (
	"context"
	"encoding/json"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in the conversation history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the normalized outbound completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []ToolDef `json:"tools,omitempty"`
}

// ToolCallDelta is an incremental fragment of a streamed tool call.
// Arguments arrive as partial JSON text and are reassembled by the caller.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Usage reports token accounting from the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one decoded unit from the upstream transport, translated out of
// its vendor-specific shape. A chunk may carry text, a tool-call fragment,
// usage, a finish reason, or the terminal sentinel; fields not present are
// zero.
type Chunk struct {
	TextDelta     string
	ToolCallDelta *ToolCallDelta
	Usage         *Usage
	FinishReason  string

	// Done is set when the provider signalled normal stream completion.
	Done bool
}

// ChunkStream yields chunks until the terminal sentinel. Recv returns io.EOF
// after the Done chunk has been delivered. Close releases the underlying
// connection and is safe on every exit path.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens streaming completion calls against one upstream family.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Open establishes the upstream streaming call. The returned stream
	// holds one outbound connection until closed.
	Open(ctx context.Context, req Request) (ChunkStream, error)
}
