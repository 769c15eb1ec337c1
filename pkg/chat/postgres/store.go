// Package postgres provides PostgreSQL storage for chats and messages.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/lumachat/luma-backend/pkg/chat"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// messageColumns lists columns returned by message SELECT queries.
var messageColumns = []string{
	"id", "chat_id", "role", "content", "tool_calls", "usage",
	"status", "error_message", "created_at",
}

// Store implements chat.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL chat store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChat persists a new chat.
func (s *Store) CreateChat(ctx context.Context, c *chat.Chat) error {
	query, args, err := psq.Insert("chats").
		Columns("id", "user_id", "title", "model", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.Title, c.Model, c.CreatedAt, c.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building chat insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	query, args, err := psq.Select("id", "user_id", "title", "model", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building chat select: %w", err)
	}

	var c chat.Chat
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", chat.ErrChatNotFound, id)
		}
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	return &c, nil
}

// AppendMessage upserts a message keyed by id. Replaying the same message id
// updates the row in place, so finalization retries never duplicate rows.
func (s *Store) AppendMessage(ctx context.Context, m *chat.Message) error {
	toolCalls := []byte("null")
	if len(m.ToolCalls) > 0 {
		toolCalls = m.ToolCalls
	}
	usage := []byte("null")
	if len(m.Usage) > 0 {
		usage = m.Usage
	}

	query := `
		INSERT INTO messages
		(id, chat_id, role, content, tool_calls, usage, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			tool_calls = EXCLUDED.tool_calls,
			usage = EXCLUDED.usage,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.ChatID,
		m.Role,
		m.Content,
		toolCalls,
		usage,
		m.Status,
		m.Error,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting message: %w", err)
	}

	touch, args, err := psq.Update("chats").
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": m.ChatID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building chat touch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, touch, args...); err != nil {
		return fmt.Errorf("touching chat: %w", err)
	}
	return nil
}

// ListMessages returns a chat's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*chat.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		var m chat.Message
		var toolCalls, usage sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &toolCalls, &usage,
			&m.Status, &m.Error, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "null" {
			m.ToolCalls = []byte(toolCalls.String)
		}
		if usage.Valid && usage.String != "null" {
			m.Usage = []byte(usage.String)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *Store) Close() error { return nil }

// Verify interface compliance.
var _ chat.Store = (*Store)(nil)
