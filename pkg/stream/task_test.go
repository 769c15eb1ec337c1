package stream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumachat/luma-backend/pkg/provider"
)

// scriptedStream plays back a fixed sequence of recv results. With hang set
// it blocks after the script until Close releases it, standing in for an
// upstream that stopped sending.
type scriptedStream struct {
	results []recvResult
	hang    bool

	mu        sync.Mutex
	idx       int
	hangCh    chan struct{}
	closeOnce sync.Once
}

func newScriptedStream(hang bool, results ...recvResult) *scriptedStream {
	return &scriptedStream{results: results, hang: hang, hangCh: make(chan struct{})}
}

func (s *scriptedStream) Recv() (provider.Chunk, error) {
	s.mu.Lock()
	if s.idx < len(s.results) {
		r := s.results[s.idx]
		s.idx++
		s.mu.Unlock()
		return r.chunk, r.err
	}
	s.mu.Unlock()

	if s.hang {
		<-s.hangCh
		return provider.Chunk{}, &provider.Error{Kind: provider.ErrKindConnectionReset, Message: "stream closed"}
	}
	return provider.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.hangCh) })
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []provider.ChunkStream
	opens   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Open(context.Context, provider.Request) (provider.ChunkStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opens >= len(f.streams) {
		return nil, &provider.Error{Kind: provider.ErrKindRateLimited, Message: "no scripted stream left"}
	}
	s := f.streams[f.opens]
	f.opens++
	return s, nil
}

func (f *fakeProvider) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func deltaChunk(text string) recvResult {
	return recvResult{chunk: provider.Chunk{TextDelta: text}}
}

func runTask(t *testing.T, task *Task) Result {
	t.Helper()
	resultCh := make(chan Result, 1)
	go func() { resultCh <- task.Run(context.Background()) }()
	select {
	case result := <-resultCh:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
		return Result{}
	}
}

func drainEvents(sub *Subscriber) []Event {
	var out []Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestTaskHappyPath(t *testing.T) {
	stream := newScriptedStream(false,
		deltaChunk("Hel"),
		deltaChunk("lo"),
		deltaChunk(" world"),
		recvResult{chunk: provider.Chunk{FinishReason: "stop"}},
		recvResult{chunk: provider.Chunk{Usage: &provider.Usage{PromptTokens: 3, CompletionTokens: 3, TotalTokens: 6}}},
		recvResult{chunk: provider.Chunk{Done: true}},
	)
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskCompleted, result.State)
	assert.Equal(t, "Hello world", result.Text)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 6, result.Usage.TotalTokens)
	assert.Nil(t, result.Err)
	assert.Equal(t, TaskCompleted, task.State())

	events := drainEvents(sub)
	require.Len(t, events, 5)
	kinds := []EventKind{EventDelta, EventDelta, EventDelta, EventUsage, EventDone}
	for i, kind := range kinds {
		assert.Equal(t, kind, events[i].Kind)
		assert.Equal(t, int64(i), events[i].Seq)
	}
	assert.Equal(t, DoneReasonStop, events[4].DoneReason)
}

func TestTaskToolCallStream(t *testing.T) {
	stream := newScriptedStream(false,
		recvResult{chunk: provider.Chunk{ToolCallDelta: &provider.ToolCallDelta{Index: 0, ID: "call_1", Name: "lookup"}}},
		recvResult{chunk: provider.Chunk{ToolCallDelta: &provider.ToolCallDelta{Index: 0, ArgumentsDelta: `{"q":"go"}`}}},
		recvResult{chunk: provider.Chunk{Done: true}},
	)
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskCompleted, result.State)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "lookup", result.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(result.ToolCalls[0].Arguments))

	events := drainEvents(sub)
	require.Len(t, events, 3)
	assert.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, "call_1", events[0].ToolCall.ID)
}

func TestTaskCancelPreservesPartialContent(t *testing.T) {
	stream := newScriptedStream(true, deltaChunk("Hel"), deltaChunk("lo"))
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	resultCh := make(chan Result, 1)
	go func() { resultCh <- task.Run(context.Background()) }()

	// Wait for both deltas to be delivered, then stop.
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			require.Equal(t, EventDelta, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("delta not delivered")
		}
	}
	task.Cancel(DoneReasonCancelled)

	var result Result
	select {
	case result = <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after cancel")
	}

	assert.Equal(t, TaskCancelled, result.State)
	assert.Equal(t, "Hello", result.Text)

	events := drainEvents(sub)
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Kind)
	assert.Equal(t, DoneReasonCancelled, events[0].DoneReason)
}

func TestTaskIdleWatchdogFailsStream(t *testing.T) {
	stream := newScriptedStream(true, deltaChunk("partial"))
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{IdleTimeout: 50 * time.Millisecond}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskFailed, result.State)
	require.NotNil(t, result.Err)
	assert.Equal(t, provider.ErrKindTimeout, result.Err.Kind)
	assert.Equal(t, "partial", result.Text)

	events := drainEvents(sub)
	require.Len(t, events, 3)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, string(provider.ErrKindTimeout), events[1].Error.Kind)
	assert.Equal(t, EventDone, events[2].Kind)
	assert.Equal(t, DoneReasonError, events[2].DoneReason)
}

func TestTaskRetriesResetBeforeAnyContent(t *testing.T) {
	broken := newScriptedStream(false,
		recvResult{err: &provider.Error{Kind: provider.ErrKindConnectionReset, Message: "reset"}},
	)
	healthy := newScriptedStream(false, deltaChunk("ok"), recvResult{chunk: provider.Chunk{Done: true}})
	prov := &fakeProvider{streams: []provider.ChunkStream{broken, healthy}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskCompleted, result.State)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 2, prov.openCount())

	// The retry is silent: no error event reaches subscribers.
	events := drainEvents(sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestTaskDoesNotRetryAfterContent(t *testing.T) {
	stream := newScriptedStream(false,
		deltaChunk("partial"),
		recvResult{err: &provider.Error{Kind: provider.ErrKindConnectionReset, Message: "reset"}},
	)
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskFailed, result.State)
	assert.Equal(t, "partial", result.Text)
	assert.Equal(t, 1, prov.openCount())
}

func TestTaskNonRetryableErrorFailsImmediately(t *testing.T) {
	stream := newScriptedStream(false,
		recvResult{err: &provider.Error{Kind: provider.ErrKindRateLimited, Message: "slow down"}},
	)
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskFailed, result.State)
	assert.Equal(t, 1, prov.openCount())

	events := drainEvents(sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, string(provider.ErrKindRateLimited), events[0].Error.Kind)
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestTaskContextCancellation(t *testing.T) {
	stream := newScriptedStream(true, deltaChunk("a"))
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	ctx, cancel := context.WithCancel(context.Background())
	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)

	resultCh := make(chan Result, 1)
	go func() { resultCh <- task.Run(ctx) }()

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventDelta, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("delta not delivered")
	}
	cancel()

	select {
	case result := <-resultCh:
		assert.Equal(t, TaskCancelled, result.State)
		assert.Equal(t, "a", result.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after context cancel")
	}
}

func TestTaskPreCancelledContextEndsCancelled(t *testing.T) {
	prov := &fakeProvider{streams: []provider.ChunkStream{
		newScriptedStream(false, deltaChunk("never")),
	}}
	mux := NewMux("s1", MuxConfig{})
	sub := mux.Subscribe(-1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{}, nil)
	result := task.Run(ctx)

	assert.Equal(t, TaskCancelled, result.State)
	assert.Empty(t, result.Text)
	assert.Equal(t, 0, prov.openCount())

	events := drainEvents(sub)
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Kind)
	assert.Equal(t, DoneReasonCancelled, events[0].DoneReason)
}

func TestTaskMarksStreamingOnFirstChunk(t *testing.T) {
	stream := newScriptedStream(false, deltaChunk("hi"), recvResult{chunk: provider.Chunk{Done: true}})
	prov := &fakeProvider{streams: []provider.ChunkStream{stream}}
	mux := NewMux("s1", MuxConfig{})

	var streamingCalls int
	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{
		OnStreaming: func() { streamingCalls++ },
	}, nil)

	require.Equal(t, TaskInitializing, task.State())
	result := runTask(t, task)

	assert.Equal(t, TaskCompleted, result.State)
	assert.Equal(t, 1, streamingCalls)
}

func TestTaskOpenFailureNeverMarksStreaming(t *testing.T) {
	// Zero scripted streams: Open itself fails.
	prov := &fakeProvider{}
	mux := NewMux("s1", MuxConfig{})

	var streamingCalls int
	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{
		OnStreaming: func() { streamingCalls++ },
	}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskFailed, result.State)
	assert.Equal(t, 0, streamingCalls)
}

func TestTaskStreamingHookFiresOnceAcrossRetry(t *testing.T) {
	broken := newScriptedStream(false,
		recvResult{err: &provider.Error{Kind: provider.ErrKindConnectionReset, Message: "reset"}},
	)
	healthy := newScriptedStream(false, deltaChunk("ok"), recvResult{chunk: provider.Chunk{Done: true}})
	prov := &fakeProvider{streams: []provider.ChunkStream{broken, healthy}}
	mux := NewMux("s1", MuxConfig{})

	var streamingCalls int
	task := NewTask("s1", prov, provider.Request{Model: "m"}, mux, TaskConfig{
		OnStreaming: func() { streamingCalls++ },
	}, nil)
	result := runTask(t, task)

	assert.Equal(t, TaskCompleted, result.State)
	assert.Equal(t, 2, prov.openCount())
	assert.Equal(t, 1, streamingCalls)
}
