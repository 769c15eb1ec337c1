package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumachat/luma-backend/pkg/chat"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreateChat(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO chats`).
		WithArgs("chat-1", "user-1", "title", "gpt-test", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateChat(context.Background(), &chat.Chat{
		ID: "chat-1", UserID: "user-1", Title: "title", Model: "gpt-test",
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChat(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "user_id", "title", "model", "created_at", "updated_at"}).
		AddRow("chat-1", "user-1", "title", "gpt-test", now, now)
	mock.ExpectQuery(`SELECT id, user_id, title, model, created_at, updated_at FROM chats`).
		WithArgs("chat-1").
		WillReturnRows(rows)

	c, err := store.GetChat(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChatNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, user_id, title, model, created_at, updated_at FROM chats`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "model", "created_at", "updated_at"}))

	_, err := store.GetChat(context.Background(), "missing")
	assert.ErrorIs(t, err, chat.ErrChatNotFound)
}

func TestAppendMessageUpsertsAndTouchesChat(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("msg-1", "chat-1", "assistant", "Hello world",
			[]byte(`[{"id":"c1"}]`), []byte(`{"total_tokens":6}`),
			chat.StatusComplete, "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE chats SET updated_at`).
		WithArgs(sqlmock.AnyArg(), "chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendMessage(context.Background(), &chat.Message{
		ID: "msg-1", ChatID: "chat-1", Role: "assistant", Content: "Hello world",
		ToolCalls: []byte(`[{"id":"c1"}]`), Usage: []byte(`{"total_tokens":6}`),
		Status: chat.StatusComplete, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageNullsEmptyJSON(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("msg-1", "chat-1", "assistant", "hi",
			[]byte("null"), []byte("null"),
			chat.StatusComplete, "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE chats SET updated_at`).
		WithArgs(sqlmock.AnyArg(), "chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendMessage(context.Background(), &chat.Message{
		ID: "msg-1", ChatID: "chat-1", Role: "assistant", Content: "hi",
		Status: chat.StatusComplete, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(messageColumns).
		AddRow("m1", "chat-1", "user", "question", "null", "null", chat.StatusComplete, "", now).
		AddRow("m2", "chat-1", "assistant", "answer", `[{"id":"c1"}]`, `{"total_tokens":6}`, chat.StatusComplete, "", now.Add(time.Second))
	mock.ExpectQuery(`SELECT id, chat_id, role, content, tool_calls, usage, status, error_message, created_at FROM messages`).
		WithArgs("chat-1").
		WillReturnRows(rows)

	msgs, err := store.ListMessages(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].ToolCalls)
	assert.JSONEq(t, `[{"id":"c1"}]`, string(msgs[1].ToolCalls))
	assert.JSONEq(t, `{"total_tokens":6}`, string(msgs[1].Usage))
	assert.NoError(t, mock.ExpectationsWereMet())
}
