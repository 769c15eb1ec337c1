// Package chat defines the persistence store for chats and messages.
// It is the external collaborator the finalization sink writes into.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrChatNotFound is returned when a chat id does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Message status values.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusError    = "error"
)

// Chat is one conversation owned by a user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted chat message. Assistant messages produced by a
// generation session carry its pre-allocated message id, making writes
// idempotent.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`

	// Status records whether the content is complete, a cancelled/failed
	// partial, or an empty error placeholder.
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Store persists chats and messages.
type Store interface {
	// CreateChat persists a new chat.
	CreateChat(ctx context.Context, c *Chat) error

	// GetChat retrieves a chat by id. Returns ErrChatNotFound if missing.
	GetChat(ctx context.Context, id string) (*Chat, error)

	// AppendMessage upserts a message keyed by id. Writing the same message
	// twice produces one row with the latest content.
	AppendMessage(ctx context.Context, m *Message) error

	// ListMessages returns a chat's messages in creation order.
	ListMessages(ctx context.Context, chatID string) ([]*Message, error)

	// Close releases resources.
	Close() error
}
