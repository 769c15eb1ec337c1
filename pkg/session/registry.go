package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/luma-backend/pkg/stream"
)

var (
	// ErrSessionLimitExceeded rejects admission when the caller already has
	// the configured number of concurrent live sessions.
	ErrSessionLimitExceeded = errors.New("concurrent session limit exceeded")

	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrTaskBound guards the at-most-one-generation-per-session invariant.
	ErrTaskBound = errors.New("session already has a generation task")

	// ErrNotTerminal is returned when retiring a session still in flight.
	ErrNotTerminal = errors.New("session has not reached a terminal state")

	// ErrNotFinalized is returned when retiring before the finalization
	// sink has run.
	ErrNotFinalized = errors.New("session has not been finalized")
)

const (
	defaultPerUserLimit  = 4
	defaultGracePeriod   = 30 * time.Second
	defaultRetireAfter   = 30 * time.Second
	defaultSweepInterval = 5 * time.Second
)

// RegistryConfig tunes admission control and lifecycle timing.
type RegistryConfig struct {
	// PerUserLimit bounds concurrent non-terminal sessions per user.
	PerUserLimit int

	// GracePeriod is how long a streaming session may have zero attached
	// connections before it is cancelled.
	GracePeriod time.Duration

	// RetireAfter is how long a finished session is kept for reconnecting
	// clients to read the tail before it is removed.
	RetireAfter time.Duration

	// SweepInterval is how often the lifecycle sweeper runs.
	SweepInterval time.Duration

	// Mux bounds the per-subscriber queue and replay buffer of each session.
	Mux stream.MuxConfig
}

// Registry is the process-wide table of active sessions. In-flight sessions
// are lost on process crash; there is no persisted recovery.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.PerUserLimit <= 0 {
		cfg.PerUserLimit = defaultPerUserLimit
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.RetireAfter <= 0 {
		cfg.RetireAfter = defaultRetireAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create admits a new session for the given chat and user. It fails with
// ErrSessionLimitExceeded when the user already holds the configured number
// of live sessions. Session ids are uuids and never reused.
func (r *Registry) Create(chatID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := 0
	for _, s := range r.sessions {
		if s.UserID == userID && !s.state.Terminal() {
			live++
		}
	}
	if live >= r.cfg.PerUserLimit {
		return nil, fmt.Errorf("%w: user %s has %d live sessions", ErrSessionLimitExceeded, userID, live)
	}

	now := time.Now()
	id := uuid.NewString()
	sess := &Session{
		ID:                id,
		ChatID:            chatID,
		UserID:            userID,
		MessageID:         uuid.NewString(),
		CreatedAt:         now,
		LastActivityAt:    now,
		state:             StatePending,
		mux:               stream.NewMux(id, r.cfg.Mux),
		zeroAttachedSince: now,
	}
	r.sessions[id] = sess
	return sess, nil
}

// Get returns the session for the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// BindTask attaches the generation task to a session. Exactly one task may
// ever be bound per session.
func (r *Registry) BindTask(id string, task *stream.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.task != nil {
		return ErrTaskBound
	}
	sess.task = task
	return nil
}

// State returns the session state.
func (r *Registry) State(id string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.state, nil
}

// MarkStreaming transitions a pending session to streaming. No-op once
// terminal.
func (r *Registry) MarkStreaming(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok && !sess.state.Terminal() {
		sess.state = StateStreaming
		sess.LastActivityAt = time.Now()
	}
}

// MarkTerminal records the absorbing outcome of the generation task. The
// first terminal transition wins.
func (r *Registry) MarkTerminal(id string, state State) {
	if !state.Terminal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok && !sess.state.Terminal() {
		sess.state = state
		sess.LastActivityAt = time.Now()
	}
}

// MarkFinalized records that the finalization sink has run for the session
// (or was explicitly skipped).
func (r *Registry) MarkFinalized(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		sess.finalized = true
	}
}

// Attach subscribes a connection to a session's event stream, resuming after
// the given sequence number (-1 for the full stream). Connections may attach
// after streaming started or even after it finished, within the retire grace
// window.
func (r *Registry) Attach(id string, afterSeq int64) (*stream.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sub := sess.mux.Subscribe(afterSeq)
	sess.zeroAttachedSince = time.Time{}
	sess.LastActivityAt = time.Now()
	return sub, nil
}

// Detach unsubscribes a connection. A disconnect does not cancel the
// generation; the sweeper cancels only after the grace period with zero
// attachments.
func (r *Registry) Detach(id string, sub *stream.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	sess.mux.Unsubscribe(sub)
	if sess.mux.SubscriberCount() == 0 && sess.zeroAttachedSince.IsZero() {
		sess.zeroAttachedSince = time.Now()
	}
}

// Stop requests immediate cooperative cancellation of the session's
// generation, regardless of attached connections.
func (r *Registry) Stop(id string) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.task != nil {
		sess.task.Cancel(stream.DoneReasonCancelled)
	}
	return nil
}

// Retire removes a session. Only legal after the task reached a terminal
// state and finalization ran (or was skipped).
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !sess.state.Terminal() {
		return ErrNotTerminal
	}
	if !sess.finalized {
		return ErrNotFinalized
	}
	delete(r.sessions, id)
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartSweeper starts the background lifecycle sweeper. It cancels streaming
// sessions that have had zero attached connections for longer than the grace
// period, and removes finished, finalized sessions once the retire window for
// late reconnects has passed.
func (r *Registry) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		// Recompute attachment bookkeeping: the mux may have dropped slow
		// subscribers without going through Detach.
		if sess.mux.SubscriberCount() > 0 {
			sess.zeroAttachedSince = time.Time{}
			continue
		}
		if sess.zeroAttachedSince.IsZero() {
			sess.zeroAttachedSince = now
			continue
		}
		abandoned := now.Sub(sess.zeroAttachedSince)

		if !sess.state.Terminal() {
			if abandoned >= r.cfg.GracePeriod && sess.task != nil {
				r.logger.Info("cancelling abandoned session", "session_id", id, "abandoned", abandoned)
				sess.task.Cancel(stream.DoneReasonCancelled)
			}
			continue
		}
		if sess.finalized && abandoned >= r.cfg.RetireAfter {
			delete(r.sessions, id)
		}
	}
}

// Close stops the sweeper and waits for it to exit. Safe to call even if
// StartSweeper was never called.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}
