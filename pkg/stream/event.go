// Package stream implements the real-time generation pipeline: the
// normalized event model, the per-session delivery multiplexer with replay
// and backpressure, and the generation task that drives one upstream call.
package stream

import (
	"encoding/json"
	"time"

	"github.com/lumachat/luma-backend/pkg/provider"
)

// EventKind identifies the type of a generation event.
type EventKind string

const (
	// EventDelta carries an incremental text fragment.
	EventDelta EventKind = "delta"

	// EventToolCall carries a tool-call fragment.
	EventToolCall EventKind = "tool_call"

	// EventUsage carries token accounting, emitted at most once before done.
	EventUsage EventKind = "usage"

	// EventError carries a terminal provider failure.
	EventError EventKind = "error"

	// EventDone terminates every stream exactly once.
	EventDone EventKind = "done"

	// EventGap marks that replay history before this point was evicted;
	// a reconnecting subscriber observed a bounded-buffer overrun.
	EventGap EventKind = "gap"
)

// Done reasons.
const (
	DoneReasonStop      = "stop"
	DoneReasonCancelled = "cancelled"
	DoneReasonError     = "error"
)

// ToolCallPayload is the tool-call fragment carried by EventToolCall.
type ToolCallPayload struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// ErrorPayload is the failure description carried by EventError.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is the normalized wire unit produced by a generation task.
// Events are immutable once created; the multiplexer and subscribers
// only ever read them.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	Delta      string           `json:"delta,omitempty"`
	ToolCall   *ToolCallPayload `json:"tool_call,omitempty"`
	Usage      *provider.Usage  `json:"usage,omitempty"`
	Error      *ErrorPayload    `json:"error,omitempty"`
	DoneReason string           `json:"done_reason,omitempty"`
}

// Terminal reports whether the event ends the stream for subscribers.
func (e Event) Terminal() bool { return e.Kind == EventDone }

// MarshalPayload renders the event as its JSON wire form.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e)
}
