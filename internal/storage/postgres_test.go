package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowColumns = []string{
	"task_id", "kind", "params", "status", "progress", "result",
	"error_message", "worker_id", "retry_count", "max_retries", "timeout_seconds",
	"created_at", "updated_at", "started_at", "completed_at", "last_heartbeat_at",
}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgres(sqlx.NewDb(db, "postgres"), logger), mock
}

func taskRow(id, status string) *sqlmock.Rows {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(rowColumns).AddRow(
		id, "report", []byte(`{"title":"x"}`), status, nil, nil,
		"", "w1", int64(0), int64(3), int64(0),
		now, now, now, nil, now,
	)
}

func TestPostgres_Get(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM tasks WHERE task_id").
		WithArgs("t1").
		WillReturnRows(taskRow("t1", domain.TaskStatusStarted))

	task, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)
	assert.Equal(t, domain.TaskStatusStarted, task.Status)
	assert.JSONEq(t, `{"title":"x"}`, string(task.Params))
	assert.Nil(t, task.Progress)
	assert.Nil(t, task.CompletedAt)
	require.NotNil(t, task.StartedAt)

	mock.ExpectQuery("FROM tasks WHERE task_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rowColumns))

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Create(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("t1", "graph", `{"points":3}`, domain.TaskStatusPending, 3, 60, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Create(context.Background(), &domain.Task{
		TaskID:         "t1",
		Kind:           "graph",
		Params:         []byte(`{"points":3}`),
		Status:         domain.TaskStatusPending,
		MaxRetries:     3,
		TimeoutSeconds: 60,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Claim(t *testing.T) {
	t.Run("claimed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE tasks").
			WithArgs(domain.TaskStatusStarted, "w1", "t1", domain.TaskStatusPending, domain.TaskStatusRetry,
				domain.TaskStatusStarted, domain.TaskStatusProgress, 90.0).
			WillReturnRows(taskRow("t1", domain.TaskStatusStarted))

		task, err := s.Claim(context.Background(), "t1", "w1", 90*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "w1", task.WorkerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already claimed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE tasks").WillReturnRows(sqlmock.NewRows(rowColumns))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := s.Claim(context.Background(), "t1", "w1", 0)
		assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE tasks").WillReturnRows(sqlmock.NewRows(rowColumns))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := s.Claim(context.Background(), "t1", "w1", 0)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_GuardedUpdates(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(domain.TaskStatusProgress, `{"current":1,"total":2}`, "t1", "w1", domain.TaskStatusStarted, domain.TaskStatusProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateProgress(ctx, "t1", "w1", domain.Progress{Current: 1, Total: 2}.Encode()))

	mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, s.MarkSucceeded(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)

	mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, s.Revoke(ctx, "t1"), domain.ErrTaskFinished)

	mock.ExpectExec("UPDATE tasks").
		WithArgs(domain.TaskStatusRetry, "boom", "t1", "w1", domain.TaskStatusStarted, domain.TaskStatusProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkRetry(ctx, "t1", "w1", "boom"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_HeartbeatFromReplacedWorker(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("last_heartbeat_at = NOW\\(\\).*worker_id = \\$2").
		WithArgs("t1", "w1", domain.TaskStatusStarted, domain.TaskStatusProgress).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	assert.ErrorIs(t, s.Heartbeat(ctx, "t1", "w1"), domain.ErrTaskNotRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	cursor := &TaskCursor{CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TaskID: "t9"}

	mock.ExpectQuery("ORDER BY created_at DESC, task_id DESC LIMIT").
		WithArgs("report", domain.TaskStatusSuccess, cursor.CreatedAt, "t9", 3).
		WillReturnRows(taskRow("t1", domain.TaskStatusSuccess))

	tasks, err := s.List(context.Background(), TaskFilter{
		Kind:     "report",
		Status:   domain.TaskStatusSuccess,
		PageSize: 2,
		Cursor:   cursor,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
