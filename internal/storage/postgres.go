package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

const taskColumns = `task_id, kind, params, status, progress, result,
	COALESCE(error_message, '') AS error_message,
	COALESCE(worker_id, '') AS worker_id,
	retry_count, max_retries, timeout_seconds,
	created_at, updated_at, started_at, completed_at, last_heartbeat_at`

// Postgres is a Store backed by PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a PostgreSQL store on db
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the tasks table and its indexes when missing
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

func (s *Postgres) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (
			task_id, kind, params, status,
			max_retries, timeout_seconds, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		task.TaskID,
		task.Kind,
		string(task.Params),
		task.Status,
		task.MaxRetries,
		task.TimeoutSeconds,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

func (s *Postgres) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`

	var task domain.Task
	if err := s.db.GetContext(ctx, &task, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &task, nil
}

func (s *Postgres) List(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, task_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.TaskID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, task_id DESC"

	// One extra row tells the caller another page exists
	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var tasks []domain.Task
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return tasks, nil
}

// Claim uses optimistic locking on the status column
func (s *Postgres) Claim(ctx context.Context, taskID, workerID string, staleAfter time.Duration) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $3
		  AND (status IN ($4, $5)
		       OR (status IN ($6, $7)
		           AND $8::float8 > 0
		           AND last_heartbeat_at < NOW() - make_interval(secs => $8::float8)))
		RETURNING ` + taskColumns

	var task domain.Task
	err := s.db.GetContext(ctx, &task, query,
		domain.TaskStatusStarted, workerID, taskID,
		domain.TaskStatusPending, domain.TaskStatusRetry,
		domain.TaskStatusStarted, domain.TaskStatusProgress,
		staleAfter.Seconds(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim task - already claimed or not found",
				slog.String("task_id", taskID),
				slog.String("worker_id", workerID),
			)
			return nil, s.missingOr(ctx, taskID, domain.ErrTaskAlreadyClaimed)
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	s.logger.Info("Task claimed",
		slog.String("task_id", taskID),
		slog.String("worker_id", workerID),
		slog.String("kind", task.Kind),
	)

	return &task, nil
}

func (s *Postgres) UpdateProgress(ctx context.Context, taskID, workerID string, progress []byte) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    progress = $2,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $3
		  AND worker_id = $4
		  AND status IN ($5, $6)
	`
	return s.exec(ctx, taskID, domain.ErrTaskNotRunning, query,
		domain.TaskStatusProgress, string(progress), taskID, workerID,
		domain.TaskStatusStarted, domain.TaskStatusProgress,
	)
}

func (s *Postgres) MarkSucceeded(ctx context.Context, taskID, workerID string, result []byte) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    result = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $3
		  AND worker_id = $4
		  AND status IN ($5, $6)
	`
	return s.exec(ctx, taskID, domain.ErrTaskNotRunning, query,
		domain.TaskStatusSuccess, string(result), taskID, workerID,
		domain.TaskStatusStarted, domain.TaskStatusProgress,
	)
}

func (s *Postgres) MarkFailed(ctx context.Context, taskID, errorMsg string) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $3
		  AND status NOT IN ($4, $5, $6)
	`
	return s.exec(ctx, taskID, domain.ErrTaskFinished, query,
		domain.TaskStatusFailure, errorMsg, taskID,
		domain.TaskStatusSuccess, domain.TaskStatusFailure, domain.TaskStatusRevoked,
	)
}

func (s *Postgres) MarkRetry(ctx context.Context, taskID, workerID, errorMsg string) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    error_message = $2,
		    retry_count = retry_count + 1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE task_id = $3
		  AND worker_id = $4
		  AND status IN ($5, $6)
	`
	return s.exec(ctx, taskID, domain.ErrTaskNotRunning, query,
		domain.TaskStatusRetry, errorMsg, taskID, workerID,
		domain.TaskStatusStarted, domain.TaskStatusProgress,
	)
}

func (s *Postgres) Revoke(ctx context.Context, taskID string) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $2
		  AND status NOT IN ($3, $4, $5)
	`
	return s.exec(ctx, taskID, domain.ErrTaskFinished, query,
		domain.TaskStatusRevoked, taskID,
		domain.TaskStatusSuccess, domain.TaskStatusFailure, domain.TaskStatusRevoked,
	)
}

func (s *Postgres) Heartbeat(ctx context.Context, taskID, workerID string) error {
	query := `
		UPDATE tasks
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $1
		  AND worker_id = $2
		  AND status IN ($3, $4)
	`
	return s.exec(ctx, taskID, domain.ErrTaskNotRunning, query,
		taskID, workerID, domain.TaskStatusStarted, domain.TaskStatusProgress,
	)
}

// exec runs a guarded update; zero affected rows maps to ErrTaskNotFound or rejected
func (s *Postgres) exec(ctx context.Context, taskID string, rejected error, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return s.missingOr(ctx, taskID, rejected)
	}
	return nil
}

func (s *Postgres) missingOr(ctx context.Context, taskID string, rejected error) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM tasks WHERE task_id = $1)`, taskID); err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if !exists {
		return domain.ErrTaskNotFound
	}
	return rejected
}
