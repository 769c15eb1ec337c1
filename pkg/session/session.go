// Package session provides the process-wide registry of active generation
// sessions. It enforces admission control, at-most-one generation per
// session, attach/detach of client connections with replay-based resume,
// and grace-period driven lifecycle teardown.
package session

import (
	"time"

	"github.com/lumachat/luma-backend/pkg/stream"
)

// State is the session lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Session is the server-side record of one in-progress or recently-finished
// generation request. It is owned exclusively by the Registry; connections
// hold only the session id, never the session itself.
type Session struct {
	// ID is the opaque unique session token, never reused.
	ID string

	// ChatID and UserID reference external entities; not owned here.
	ChatID string
	UserID string

	// MessageID is the pre-allocated id of the assistant message this
	// session will produce, fixed at admission so finalization is
	// idempotent.
	MessageID string

	CreatedAt      time.Time
	LastActivityAt time.Time

	state State
	mux   *stream.Mux
	task  *stream.Task

	// zeroAttachedSince is the instant attachments dropped to zero;
	// zero time while any connection is attached.
	zeroAttachedSince time.Time

	// finalized is set once the finalization sink has run (or been skipped).
	finalized bool
}

// Mux returns the session's delivery multiplexer.
func (s *Session) Mux() *stream.Mux { return s.mux }

// Task returns the session's generation task.
func (s *Session) Task() *stream.Task { return s.task }
