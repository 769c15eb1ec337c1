// Package finalize hands finished generations to the persistence store
// exactly once, with bounded retry on transient write failures.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumachat/luma-backend/pkg/chat"
	"github.com/lumachat/luma-backend/pkg/session"
	"github.com/lumachat/luma-backend/pkg/stream"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 250 * time.Millisecond
)

// PersistenceError wraps a finalization write failure.
type PersistenceError struct {
	MessageID string
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting message %s: %v", e.MessageID, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Config tunes retry behavior.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// Sink writes assembled messages into the chat store. Exactly-once is
// guaranteed by the caller invoking Finalize at most logically once per
// session (guarded by the absorbing terminal transition); internal retries
// are safe because the write is an idempotent upsert keyed by message id.
type Sink struct {
	store  chat.Store
	cfg    Config
	logger *slog.Logger
}

// NewSink creates a finalization sink over the given store.
func NewSink(store chat.Store, cfg Config, logger *slog.Logger) *Sink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, cfg: cfg, logger: logger}
}

// Finalize persists the assembled message for a finished session. A
// cancelled session with no content is skipped. On retry exhaustion the
// failure is logged and returned; the in-memory content is not re-offered
// to the client afterwards.
func (s *Sink) Finalize(ctx context.Context, sess *session.Session, result stream.Result) error {
	if result.State == stream.TaskCancelled && result.Text == "" && len(result.ToolCalls) == 0 {
		s.logger.Info("skipping finalization of empty cancelled session", "session_id", sess.ID)
		return nil
	}

	msg, err := buildMessage(sess, result)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return &PersistenceError{MessageID: msg.ID, Cause: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		if lastErr = s.store.AppendMessage(ctx, msg); lastErr == nil {
			return nil
		}
		s.logger.Warn("finalization write failed", "session_id", sess.ID, "attempt", attempt+1, "error", lastErr)
	}

	s.logger.Error("finalization retries exhausted; message dropped",
		"session_id", sess.ID, "message_id", msg.ID, "error", lastErr)
	return &PersistenceError{MessageID: msg.ID, Cause: lastErr}
}

func buildMessage(sess *session.Session, result stream.Result) (*chat.Message, error) {
	msg := &chat.Message{
		ID:        sess.MessageID,
		ChatID:    sess.ChatID,
		Role:      "assistant",
		Content:   result.Text,
		CreatedAt: time.Now(),
	}

	switch result.State {
	case stream.TaskCompleted:
		msg.Status = chat.StatusComplete
	case stream.TaskCancelled:
		msg.Status = chat.StatusPartial
	case stream.TaskFailed:
		msg.Status = chat.StatusError
		if result.Err != nil {
			msg.Error = result.Err.Error()
		}
	default:
		return nil, fmt.Errorf("finalizing non-terminal state %q", result.State)
	}

	if len(result.ToolCalls) > 0 {
		data, err := json.Marshal(result.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encoding tool calls: %w", err)
		}
		msg.ToolCalls = data
	}
	if result.Usage != nil {
		data, err := json.Marshal(result.Usage)
		if err != nil {
			return nil, fmt.Errorf("encoding usage: %w", err)
		}
		msg.Usage = data
	}
	return msg, nil
}
