package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store in memory. Used in tests and for running
// without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string]*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string]*Message),
	}
}

// CreateChat persists a new chat.
func (s *MemoryStore) CreateChat(_ context.Context, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpy := *c
	s.chats[c.ID] = &cpy
	return nil
}

// GetChat retrieves a chat by id.
func (s *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	cpy := *c
	return &cpy, nil
}

// AppendMessage upserts a message keyed by id.
func (s *MemoryStore) AppendMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpy := *m
	s.messages[m.ID] = &cpy
	return nil
}

// ListMessages returns a chat's messages in creation order.
func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			cpy := *m
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
