package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// Store persists tasks for the API and the worker.
type Store interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]domain.Task, error)

	// Claim moves a PENDING or RETRY task to STARTED for workerID. A running
	// task whose last heartbeat is older than staleAfter is claimable too;
	// staleAfter <= 0 disables that.
	Claim(ctx context.Context, taskID, workerID string, staleAfter time.Duration) (*domain.Task, error)

	// UpdateProgress, MarkSucceeded, MarkRetry and Heartbeat only apply while
	// the task is running and still owned by workerID. Otherwise they return
	// ErrTaskNotRunning, which tells the worker to stop.

	// UpdateProgress records progress on a running task and moves it to PROGRESS.
	UpdateProgress(ctx context.Context, taskID, workerID string, progress []byte) error
	// MarkSucceeded stores the result of a running task.
	MarkSucceeded(ctx context.Context, taskID, workerID string, result []byte) error
	// MarkRetry puts a running task back in RETRY and counts the attempt.
	MarkRetry(ctx context.Context, taskID, workerID, errorMsg string) error
	Heartbeat(ctx context.Context, taskID, workerID string) error

	// MarkFailed ends a task that has not finished yet.
	MarkFailed(ctx context.Context, taskID, errorMsg string) error
	// Revoke ends a task that has not finished yet as REVOKED.
	Revoke(ctx context.Context, taskID string) error
}

// TaskFilter selects tasks for List
type TaskFilter struct {
	Kind     string
	Status   string
	PageSize int
	Cursor   *TaskCursor
}

// TaskCursor is the keyset position after which List continues
type TaskCursor struct {
	CreatedAt time.Time
	TaskID    string
}
