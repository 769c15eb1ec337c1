package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lumachat/luma-backend/pkg/provider"
)

// TaskState is the generation task state machine. Terminal states are
// absorbing: a task transitions out of Streaming exactly once.
type TaskState string

const (
	TaskInitializing TaskState = "initializing"
	TaskStreaming    TaskState = "streaming"
	TaskCompleted    TaskState = "completed"
	TaskCancelled    TaskState = "cancelled"
	TaskFailed       TaskState = "failed"
)

// Terminal reports whether the state is absorbing.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

const defaultIdleTimeout = 60 * time.Second

// TaskConfig tunes one generation task.
type TaskConfig struct {
	// IdleTimeout fails the task when no chunk arrives for this long.
	IdleTimeout time.Duration

	// OnStreaming fires once, when the first upstream chunk arrives.
	// Opening the connection alone is not streaming; the upstream may
	// stall before producing a single byte.
	OnStreaming func()
}

// Result is the outcome of a finished task, handed to finalization.
type Result struct {
	State     TaskState
	Text      string
	ToolCalls []ToolCall
	Usage     *provider.Usage
	Err       *provider.Error
}

// Task drives one upstream call for one session: it pulls provider chunks,
// translates them into ordered events, accumulates the assembled answer and
// publishes through the session multiplexer. Exactly one task exists per
// live session.
type Task struct {
	sessionID string
	prov      provider.Provider
	req       provider.Request
	mux       *Mux
	cfg       TaskConfig
	logger    *slog.Logger

	mu    sync.Mutex
	state TaskState

	cancelOnce   sync.Once
	cancelCh     chan struct{}
	cancelReason string

	asm Assembler
}

// NewTask creates a task bound to a session multiplexer.
func NewTask(sessionID string, prov provider.Provider, req provider.Request, mux *Mux, cfg TaskConfig, logger *slog.Logger) *Task {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		sessionID: sessionID,
		prov:      prov,
		req:       req,
		mux:       mux,
		cfg:       cfg,
		logger:    logger.With("session_id", sessionID, "provider", prov.Name(), "model", req.Model),
		state:     TaskInitializing,
		cancelCh:  make(chan struct{}),
	}
}

// State returns the current task state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancel requests cooperative cancellation. The task stops pulling within
// one chunk latency, emits a done(cancelled) event and keeps the content
// accumulated so far. Idempotent.
func (t *Task) Cancel(reason string) {
	t.cancelOnce.Do(func() {
		t.cancelReason = reason
		close(t.cancelCh)
	})
}

type recvResult struct {
	chunk provider.Chunk
	err   error
}

// Run executes the task to a terminal state and returns the outcome. The
// upstream connection is released on every exit path. A ConnectionReset
// before any delta reached a client triggers at most one silent retry of
// the whole call; once content is out, resuming would duplicate it, so the
// error is surfaced instead.
func (t *Task) Run(ctx context.Context) Result {
	const maxAttempts = 2

	var lastErr *provider.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		perr, retryable := t.runAttempt(ctx)
		if perr == nil {
			return t.finish()
		}
		lastErr = perr
		if !retryable || attempt == maxAttempts {
			break
		}
		t.logger.Warn("retrying upstream call after reset", "attempt", attempt, "error", perr)
	}
	return t.fail(lastErr)
}

// runAttempt performs one full upstream call. It returns a nil error on
// normal completion or cancellation, otherwise the provider error and
// whether a silent retry is still permitted.
func (t *Task) runAttempt(ctx context.Context) (perr *provider.Error, retryable bool) {
	if t.stopRequested(ctx) {
		// A context cancelled before the first attempt still counts as a
		// cancellation, not a completion.
		t.Cancel(DoneReasonCancelled)
		return nil, false
	}

	chunks, err := t.prov.Open(ctx, t.req)
	if err != nil {
		perr = asProviderError(t.prov.Name(), err)
		return perr, perr.Retryable() && t.asm.Empty()
	}
	defer chunks.Close()

	// The reader goroutine owns Recv; closing the stream unblocks it so the
	// watchdog can fire independently of a hung upstream read.
	// Buffer of one: after a watchdog exit the reader's final error send
	// must not block the goroutine forever.
	results := make(chan recvResult, 1)
	go func() {
		for {
			chunk, err := chunks.Recv()
			select {
			case results <- recvResult{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			case <-t.cancelCh:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	watchdog := time.NewTimer(t.cfg.IdleTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Cancel(DoneReasonCancelled)
			return nil, false
		case <-t.cancelCh:
			return nil, false
		case <-watchdog.C:
			_ = chunks.Close()
			perr = &provider.Error{Provider: t.prov.Name(), Kind: provider.ErrKindTimeout, Message: "no upstream activity"}
			return perr, false
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					// Terminal sentinel already handled via Done chunk.
					return nil, false
				}
				perr = asProviderError(t.prov.Name(), res.err)
				return perr, perr.Retryable() && t.asm.Empty()
			}
			t.markStreaming()
			if res.chunk.Done {
				return nil, false
			}
			t.applyChunk(res.chunk)
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(t.cfg.IdleTimeout)
		}
	}
}

// applyChunk translates one provider chunk into zero or more events, in the
// order chunks were received. Sequence numbers are assigned by the mux.
func (t *Task) applyChunk(chunk provider.Chunk) {
	switch {
	case chunk.TextDelta != "":
		t.asm.AppendText(chunk.TextDelta)
		t.publish(Event{Kind: EventDelta, Delta: chunk.TextDelta})
	case chunk.ToolCallDelta != nil:
		t.asm.ApplyToolDelta(chunk.ToolCallDelta)
		t.publish(Event{Kind: EventToolCall, ToolCall: &ToolCallPayload{
			Index:          chunk.ToolCallDelta.Index,
			ID:             chunk.ToolCallDelta.ID,
			Name:           chunk.ToolCallDelta.Name,
			ArgumentsDelta: chunk.ToolCallDelta.ArgumentsDelta,
		}})
	case chunk.Usage != nil:
		t.asm.SetUsage(chunk.Usage)
	case chunk.FinishReason != "":
		t.asm.SetFinishReason(chunk.FinishReason)
	}
}

// finish emits the terminal event pair for normal completion or
// cancellation and transitions to the corresponding absorbing state.
func (t *Task) finish() Result {
	cancelled := t.cancelRequested()

	if !cancelled {
		if usage := t.asm.Usage(); usage != nil {
			t.publish(Event{Kind: EventUsage, Usage: usage})
		}
	}

	reason := DoneReasonStop
	state := TaskCompleted
	if cancelled {
		reason = DoneReasonCancelled
		state = TaskCancelled
		if t.cancelReason != "" {
			reason = t.cancelReason
		}
	}
	t.publish(Event{Kind: EventDone, DoneReason: reason})
	t.setState(state)

	t.logger.Info("generation finished", "state", state, "chars", len(t.asm.Text()))
	return t.result(state, nil)
}

// fail emits exactly one error event followed by the terminal done event.
// Partial content already assembled is preserved for finalization.
func (t *Task) fail(perr *provider.Error) Result {
	t.publish(Event{Kind: EventError, Error: &ErrorPayload{
		Kind:    string(perr.Kind),
		Message: perr.Error(),
	}})
	t.publish(Event{Kind: EventDone, DoneReason: DoneReasonError})
	t.setState(TaskFailed)

	t.logger.Error("generation failed", "kind", perr.Kind, "error", perr)
	return t.result(TaskFailed, perr)
}

func (t *Task) result(state TaskState, perr *provider.Error) Result {
	return Result{
		State:     state,
		Text:      t.asm.Text(),
		ToolCalls: t.asm.ToolCalls(),
		Usage:     t.asm.Usage(),
		Err:       perr,
	}
}

func (t *Task) publish(evt Event) {
	if _, err := t.mux.Publish(evt); err != nil {
		t.logger.Warn("publish after stream end", "kind", evt.Kind)
	}
}

// markStreaming transitions to Streaming on the first received chunk.
// Idempotent across silent retries.
func (t *Task) markStreaming() {
	t.mu.Lock()
	if t.state != TaskInitializing {
		t.mu.Unlock()
		return
	}
	t.state = TaskStreaming
	t.mu.Unlock()

	if t.cfg.OnStreaming != nil {
		t.cfg.OnStreaming()
	}
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
}

func (t *Task) cancelRequested() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func asProviderError(name string, err error) *provider.Error {
	if perr, ok := provider.AsError(err); ok {
		return perr
	}
	return &provider.Error{Provider: name, Kind: provider.ErrKindConnectionReset, Message: err.Error(), Cause: err}
}
