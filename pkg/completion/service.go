// Package completion orchestrates chat-completion requests: admission,
// optional retrieval augmentation, generation task launch, and finalization.
// It also serves the HTTP and websocket transports that project the
// normalized event stream to clients.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/luma-backend/pkg/auth"
	"github.com/lumachat/luma-backend/pkg/chat"
	"github.com/lumachat/luma-backend/pkg/finalize"
	"github.com/lumachat/luma-backend/pkg/provider"
	"github.com/lumachat/luma-backend/pkg/retrieval"
	"github.com/lumachat/luma-backend/pkg/session"
	"github.com/lumachat/luma-backend/pkg/stream"
)

var (
	// ErrUnauthorized rejects callers without the chat:generate scope.
	ErrUnauthorized = errors.New("not authorized to generate")

	// ErrEmptyMessages rejects requests with no conversation history.
	ErrEmptyMessages = errors.New("messages must not be empty")
)

const finalizeTimeout = 30 * time.Second

// Config tunes the completion service.
type Config struct {
	// IdleTimeout fails a generation with no upstream activity.
	IdleTimeout time.Duration

	// RetrievalEnabled turns on the retrieval pre-step for requests that
	// ask for it.
	RetrievalEnabled bool
}

// StartRequest is the inbound chat-completion request.
type StartRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	ChatID      string             `json:"chat_id,omitempty"`
	Retrieval   bool               `json:"retrieval,omitempty"`
}

// Service wires the session registry, provider registry, retrieval
// collaborator and finalization sink into the request lifecycle.
type Service struct {
	registry  *session.Registry
	providers *provider.Registry
	retriever retrieval.Provider
	sink      *finalize.Sink
	chats     chat.Store
	cfg       Config
	logger    *slog.Logger
}

// NewService creates the completion service.
func NewService(registry *session.Registry, providers *provider.Registry, retriever retrieval.Provider,
	sink *finalize.Sink, chats chat.Store, cfg Config, logger *slog.Logger) *Service {
	if retriever == nil {
		retriever = retrieval.NewNoopProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		providers: providers,
		retriever: retriever,
		sink:      sink,
		chats:     chats,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start admits a completion request and launches its generation task. On
// return the session exists, the task is bound and running, and events can
// be observed by attaching to the session. Admission failures never create
// a session.
func (s *Service) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	uc := auth.GetUserContext(ctx)
	if uc == nil || !uc.HasScope(auth.ScopeChatGenerate) {
		return nil, ErrUnauthorized
	}
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}

	prov, err := s.providers.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	chatID, err := s.resolveChat(ctx, uc.UserID, req)
	if err != nil {
		return nil, err
	}

	messages := req.Messages
	if s.cfg.RetrievalEnabled && req.Retrieval {
		messages = s.augment(ctx, messages)
	}

	sess, err := s.registry.Create(chatID, uc.UserID)
	if err != nil {
		return nil, err
	}

	preq := provider.Request{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	taskCfg := stream.TaskConfig{
		IdleTimeout: s.cfg.IdleTimeout,
		OnStreaming: func() { s.registry.MarkStreaming(sess.ID) },
	}
	task := stream.NewTask(sess.ID, prov, preq, sess.Mux(), taskCfg, s.logger)
	if err := s.registry.BindTask(sess.ID, task); err != nil {
		return nil, err
	}

	go s.run(sess, task)
	return sess, nil
}

// run drives one generation to its terminal state and finalizes it. The
// task runs detached from any request context: a disconnecting client must
// not abort a generation other connections may still be following.
func (s *Service) run(sess *session.Session, task *stream.Task) {
	result := task.Run(context.Background())
	s.registry.MarkTerminal(sess.ID, terminalState(result.State))

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := s.sink.Finalize(ctx, sess, result); err != nil {
		s.logger.Error("finalization failed", "session_id", sess.ID, "error", err)
	}
	// Finalized either way: the assembled content is never re-offered after
	// the session retires.
	s.registry.MarkFinalized(sess.ID)
}

// Attach subscribes a connection to a session's event stream, resuming
// after the acknowledged sequence number (-1 from the start).
func (s *Service) Attach(sessionID string, afterSeq int64) (*stream.Subscriber, error) {
	return s.registry.Attach(sessionID, afterSeq)
}

// Detach unsubscribes a connection.
func (s *Service) Detach(sessionID string, sub *stream.Subscriber) {
	s.registry.Detach(sessionID, sub)
}

// Stop maps the client stop command to immediate cooperative cancellation.
func (s *Service) Stop(sessionID string) error {
	return s.registry.Stop(sessionID)
}

// Models lists configured models for the /api/models endpoint.
func (s *Service) Models() []provider.Model {
	return s.providers.Models()
}

// resolveChat verifies the target chat or creates one when no id was given.
func (s *Service) resolveChat(ctx context.Context, userID string, req StartRequest) (string, error) {
	if req.ChatID != "" {
		if _, err := s.chats.GetChat(ctx, req.ChatID); err != nil {
			return "", err
		}
		return req.ChatID, nil
	}

	now := time.Now()
	c := &chat.Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     chatTitle(req.Messages),
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.CreateChat(ctx, c); err != nil {
		return "", fmt.Errorf("creating chat: %w", err)
	}
	return c.ID, nil
}

// augment runs the retrieval pre-step over the newest user message and
// prepends the results as a system context message. Retrieval failures are
// logged and skipped; generation proceeds without augmentation.
func (s *Service) augment(ctx context.Context, messages []provider.Message) []provider.Message {
	query := lastUserContent(messages)
	if query == "" {
		return messages
	}

	docs, err := s.retriever.Retrieve(ctx, query)
	if err != nil {
		s.logger.Warn("retrieval failed, continuing without context", "error", err)
		return messages
	}
	if len(docs) == 0 {
		return messages
	}

	var b strings.Builder
	b.WriteString("Use the following context to answer:\n")
	for _, doc := range docs {
		b.WriteString("\n---\n")
		if doc.Title != "" {
			b.WriteString(doc.Title)
			b.WriteString("\n")
		}
		b.WriteString(doc.Content)
	}

	out := make([]provider.Message, 0, len(messages)+1)
	out = append(out, provider.Message{Role: provider.RoleSystem, Content: b.String()})
	out = append(out, messages...)
	return out
}

func lastUserContent(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func chatTitle(messages []provider.Message) string {
	const maxTitle = 80
	title := lastUserContent(messages)
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	if title == "" {
		title = "New chat"
	}
	return title
}

func terminalState(state stream.TaskState) session.State {
	switch state {
	case stream.TaskCancelled:
		return session.StateCancelled
	case stream.TaskFailed:
		return session.StateFailed
	default:
		return session.StateCompleted
	}
}
