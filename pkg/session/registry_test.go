package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumachat/luma-backend/pkg/provider"
	"github.com/lumachat/luma-backend/pkg/stream"
)

const (
	testChatID = "chat-1"
	testUserID = "user-1"
)

func newTestRegistry(cfg RegistryConfig) *Registry {
	return NewRegistry(cfg, nil)
}

func TestRegistryCreateAssignsIDs(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})

	first, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	second, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEmpty(t, first.MessageID)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, 2, reg.Len())

	got, err := reg.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestRegistryPerUserLimit(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{PerUserLimit: 2})

	_, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	_, err = reg.Create(testChatID, testUserID)
	assert.ErrorIs(t, err, ErrSessionLimitExceeded)

	// Another user is not affected.
	_, err = reg.Create(testChatID, "user-2")
	require.NoError(t, err)

	// A terminal session frees its slot.
	reg.MarkTerminal(sess.ID, StateCompleted)
	_, err = reg.Create(testChatID, testUserID)
	assert.NoError(t, err)
}

func TestRegistryBindTaskOnce(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	task := newStubTask(sess)
	require.NoError(t, reg.BindTask(sess.ID, task))
	assert.ErrorIs(t, reg.BindTask(sess.ID, task), ErrTaskBound)
	assert.ErrorIs(t, reg.BindTask("missing", task), ErrNotFound)
}

func TestRegistryStateTransitions(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	state, err := reg.State(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	reg.MarkStreaming(sess.ID)
	state, _ = reg.State(sess.ID)
	assert.Equal(t, StateStreaming, state)

	reg.MarkTerminal(sess.ID, StateCancelled)
	state, _ = reg.State(sess.ID)
	assert.Equal(t, StateCancelled, state)

	// Terminal states are absorbing: later transitions are ignored.
	reg.MarkTerminal(sess.ID, StateCompleted)
	reg.MarkStreaming(sess.ID)
	state, _ = reg.State(sess.ID)
	assert.Equal(t, StateCancelled, state)
}

func TestRegistryAttachResume(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	for _, d := range []string{"a", "b", "c"} {
		_, err := sess.Mux().Publish(stream.Event{Kind: stream.EventDelta, Delta: d})
		require.NoError(t, err)
	}

	sub, err := reg.Attach(sess.ID, 0)
	require.NoError(t, err)
	ev := <-sub.Events()
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "b", ev.Delta)

	_, err = reg.Attach("missing", -1)
	assert.ErrorIs(t, err, ErrNotFound)

	reg.Detach(sess.ID, sub)
	assert.Equal(t, 0, sess.Mux().SubscriberCount())
}

func TestRegistryStopCancelsTask(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	task := newStubTask(sess)
	require.NoError(t, reg.BindTask(sess.ID, task))

	require.NoError(t, reg.Stop(sess.ID))
	assert.ErrorIs(t, reg.Stop("missing"), ErrNotFound)
}

func TestRegistryRetireGuards(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Retire(sess.ID), ErrNotTerminal)

	reg.MarkTerminal(sess.ID, StateCompleted)
	assert.ErrorIs(t, reg.Retire(sess.ID), ErrNotFinalized)

	reg.MarkFinalized(sess.ID)
	require.NoError(t, reg.Retire(sess.ID))
	assert.Equal(t, 0, reg.Len())
	assert.ErrorIs(t, reg.Retire(sess.ID), ErrNotFound)
}

func TestSweepRemovesRetiredSessions(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{RetireAfter: time.Millisecond})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	reg.MarkTerminal(sess.ID, StateCompleted)
	reg.MarkFinalized(sess.ID)

	// First sweep records zero attachments, second applies the retire window.
	reg.sweep(time.Now())
	reg.sweep(time.Now().Add(time.Second))
	assert.Equal(t, 0, reg.Len())
}

func TestSweepKeepsAttachedSessions(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{RetireAfter: time.Millisecond})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	reg.MarkTerminal(sess.ID, StateCompleted)
	reg.MarkFinalized(sess.ID)

	_, err = reg.Attach(sess.ID, -1)
	require.NoError(t, err)

	reg.sweep(time.Now())
	reg.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, reg.Len())
}

func TestSweepCancelsAbandonedStreamingSession(t *testing.T) {
	reg := newTestRegistry(RegistryConfig{GracePeriod: time.Millisecond})
	sess, err := reg.Create(testChatID, testUserID)
	require.NoError(t, err)
	task := newStubTask(sess)
	require.NoError(t, reg.BindTask(sess.ID, task))
	reg.MarkStreaming(sess.ID)

	sub, err := reg.Attach(sess.ID, -1)
	require.NoError(t, err)
	reg.Detach(sess.ID, sub)

	reg.sweep(time.Now().Add(time.Second))

	// Cancel closes the task's cancel channel; Run would observe it, but
	// here it is enough that a second Stop is a no-op.
	require.NoError(t, reg.Stop(sess.ID))
}

// newStubTask builds a task that is never run; registry tests only need its
// identity and cancel channel.
func newStubTask(sess *Session) *stream.Task {
	return stream.NewTask(sess.ID, stubProvider{}, provider.Request{Model: "m"}, sess.Mux(), stream.TaskConfig{}, nil)
}

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Open(context.Context, provider.Request) (provider.ChunkStream, error) {
	return nil, &provider.Error{Kind: provider.ErrKindConnectionReset, Message: "stub"}
}
