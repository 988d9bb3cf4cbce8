package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id, kind string, createdAt time.Time) *domain.Task {
	return &domain.Task{
		TaskID:     id,
		Kind:       kind,
		Params:     []byte(`{}`),
		Status:     domain.TaskStatusPending,
		MaxRetries: 2,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := newTask("t1", "report", time.Now())

	require.NoError(t, m.Create(ctx, task))
	assert.Error(t, m.Create(ctx, task))

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "report", got.Kind)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	// Returned tasks are copies
	got.Params[0] = 'x'
	again, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), again.Params)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, newTask("t1", "report", time.Now())))

	// Only running tasks accept progress
	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)

	claimed, err := m.Claim(ctx, "t1", "w1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusStarted, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)

	_, err = m.Claim(ctx, "t1", "w2", 0)
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)

	require.NoError(t, m.UpdateProgress(ctx, "t1", "w1", domain.Progress{Current: 1, Total: 4}.Encode()))
	require.NoError(t, m.Heartbeat(ctx, "t1", "w1"))

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProgress, got.Status)
	assert.JSONEq(t, `{"current":1,"total":4}`, string(got.Progress))

	require.NoError(t, m.MarkSucceeded(ctx, "t1", "w1", []byte(`{"ok":true}`)))
	got, err = m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, m.Revoke(ctx, "t1"), domain.ErrTaskFinished)
	assert.ErrorIs(t, m.MarkFailed(ctx, "t1", "late"), domain.ErrTaskFinished)
	assert.ErrorIs(t, m.Heartbeat(ctx, "t1", "w1"), domain.ErrTaskNotRunning)
}

func TestMemory_RetryThenClaimAgain(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, newTask("t1", "graph", time.Now())))

	_, err := m.Claim(ctx, "t1", "w1", 0)
	require.NoError(t, err)
	require.NoError(t, m.MarkRetry(ctx, "t1", "w1", "boom"))

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Empty(t, got.WorkerID)

	claimed, err := m.Claim(ctx, "t1", "w2", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.RetryCount)
}

func TestMemory_ClaimStaleTask(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Create(ctx, newTask("t1", "report", now)))
	_, err := m.Claim(ctx, "t1", "w1", time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = m.Claim(ctx, "t1", "w2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)

	now = now.Add(2 * time.Minute)
	_, err = m.Claim(ctx, "t1", "w2", 0)
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)

	claimed, err := m.Claim(ctx, "t1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", claimed.WorkerID)

	// The replaced worker can no longer touch the task
	assert.ErrorIs(t, m.Heartbeat(ctx, "t1", "w1"), domain.ErrTaskNotRunning)
	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)
	assert.ErrorIs(t, m.MarkSucceeded(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)
	assert.ErrorIs(t, m.MarkRetry(ctx, "t1", "w1", "late"), domain.ErrTaskNotRunning)

	require.NoError(t, m.Heartbeat(ctx, "t1", "w2"))
	require.NoError(t, m.MarkSucceeded(ctx, "t1", "w2", []byte(`{"ok":true}`)))

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestMemory_RevokeStopsWorkerUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, newTask("t1", "graph", time.Now())))
	_, err := m.Claim(ctx, "t1", "w1", 0)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, "t1"))
	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)
	assert.ErrorIs(t, m.MarkSucceeded(ctx, "t1", "w1", []byte(`{}`)), domain.ErrTaskNotRunning)

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRevoked, got.Status)
}

func TestMemory_UnknownTask(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Claim(ctx, "nope", "w1", 0)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, m.Revoke(ctx, "nope"), domain.ErrTaskNotFound)
	assert.ErrorIs(t, m.MarkFailed(ctx, "nope", ""), domain.ErrTaskNotFound)
}

func TestMemory_ListPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		kind := "report"
		if i%2 == 1 {
			kind = "graph"
		}
		require.NoError(t, m.Create(ctx, newTask(fmt.Sprintf("t%d", i), kind, base.Add(time.Duration(i)*time.Minute))))
	}
	// Same timestamp as t4, ordered by id
	require.NoError(t, m.Create(ctx, newTask("t5", "report", base.Add(4*time.Minute))))

	page, err := m.List(ctx, TaskFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"t5", "t4", "t3"}, ids(page))

	last := page[1]
	page, err = m.List(ctx, TaskFilter{PageSize: 2, Cursor: &TaskCursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t2", "t1"}, ids(page))

	page, err = m.List(ctx, TaskFilter{Kind: "graph", PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t1"}, ids(page))

	page, err = m.List(ctx, TaskFilter{Status: domain.TaskStatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.TaskID
	}
	return out
}
