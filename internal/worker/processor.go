package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
)

// errRevoked cancels a run whose task was revoked while it ran
var errRevoked = errors.New("task revoked")

const (
	defaultJobTimeout        = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultClaimRetryDelay   = 5 * time.Second
)

// Processor claims a task, runs its definition and records the outcome
type Processor struct {
	logger            *slog.Logger
	store             storage.Store
	registry          *tasks.Registry
	workerID          string
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	claimRetryDelay   time.Duration
}

// NewProcessor creates a processor from the worker configuration
func NewProcessor(cfg *Config) *Processor {
	p := &Processor{
		logger:            cfg.Logger,
		store:             cfg.Store,
		registry:          cfg.Registry,
		workerID:          cfg.WorkerID,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		claimRetryDelay:   cfg.ClaimRetryDelay,
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = defaultJobTimeout
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = defaultHeartbeatInterval
	}
	if p.claimRetryDelay <= 0 {
		p.claimRetryDelay = defaultClaimRetryDelay
	}
	return p
}

// staleAfter is how long a running task may go without a heartbeat before
// another worker may claim it
func (p *Processor) staleAfter() time.Duration {
	return 3 * p.heartbeatInterval
}

// Process runs one task. A *domain.RetryableError asks for redelivery; any
// other error means the message should be dropped.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	task, err := p.store.Claim(ctx, taskID, p.workerID, p.staleAfter())
	if err != nil {
		return p.claimFailed(ctx, taskID, err)
	}

	def, err := p.registry.Lookup(task.Kind)
	if err != nil {
		p.fail(ctx, task, err)
		return err
	}

	timeout := p.jobTimeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	heartbeatDone := make(chan struct{})
	go p.sendHeartbeat(runCtx, task.TaskID, cancelRun, heartbeatDone)
	defer close(heartbeatDone)

	p.logger.Info("Running task",
		slog.String("task_id", task.TaskID),
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.RetryCount+1),
	)

	result, err := def.Run(runCtx, task.Params, p.progressFunc(ctx, task.TaskID))
	if err != nil {
		if errors.Is(err, errRevoked) || errors.Is(context.Cause(runCtx), errRevoked) {
			p.logger.Info("Task revoked or reclaimed while running", slog.String("task_id", task.TaskID))
			return nil
		}
		return p.handleFailure(ctx, task, err)
	}

	if err := p.store.MarkSucceeded(ctx, task.TaskID, p.workerID, result); err != nil {
		if errors.Is(err, domain.ErrTaskNotRunning) {
			p.logger.Info("Task revoked or reclaimed before its result was stored", slog.String("task_id", task.TaskID))
			return nil
		}
		p.logger.Error("Failed to store task result",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	p.logger.Info("Task succeeded",
		slog.String("task_id", task.TaskID),
		slog.String("kind", task.Kind),
	)
	return nil
}

// claimFailed decides what happens to a delivery whose task could not be
// claimed. A task still running elsewhere is redelivered so it is picked up
// once its owner's heartbeat goes stale.
func (p *Processor) claimFailed(ctx context.Context, taskID string, claimErr error) error {
	err := fmt.Errorf("failed to claim task: %w", claimErr)

	switch {
	case errors.Is(claimErr, domain.ErrTaskNotFound):
		p.logger.Warn("Task not found, dropping message", slog.String("task_id", taskID))
		return err
	case !errors.Is(claimErr, domain.ErrTaskAlreadyClaimed):
		return domain.NewRetryableError(err)
	}

	task, getErr := p.store.Get(ctx, taskID)
	switch {
	case errors.Is(getErr, domain.ErrTaskNotFound):
		return err
	case getErr != nil:
		return domain.NewRetryableError(err)
	case domain.IsTerminalStatus(task.Status):
		p.logger.Info("Task already finished, dropping message",
			slog.String("task_id", taskID),
			slog.String("status", task.Status),
		)
		return err
	}

	p.logger.Info("Task held by another worker, requeueing",
		slog.String("task_id", taskID),
		slog.String("owner", task.WorkerID),
		slog.Duration("delay", p.claimRetryDelay),
	)

	timer := time.NewTimer(p.claimRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return domain.NewRetryableError(err)
}

// handleFailure schedules a retry while attempts remain, otherwise fails the task
func (p *Processor) handleFailure(ctx context.Context, task *domain.Task, runErr error) error {
	if errors.Is(runErr, domain.ErrInvalidParams) {
		p.fail(ctx, task, runErr)
		return runErr
	}

	if task.RetryCount < task.MaxRetries {
		if err := p.store.MarkRetry(ctx, task.TaskID, p.workerID, runErr.Error()); err != nil {
			if errors.Is(err, domain.ErrTaskNotRunning) {
				return nil
			}
			p.logger.Error("Failed to mark task for retry",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
		p.logger.Info("Task will be retried",
			slog.String("task_id", task.TaskID),
			slog.Int("retry_count", task.RetryCount+1),
			slog.Int("max_retries", task.MaxRetries),
			slog.String("error", runErr.Error()),
		)
		return domain.NewRetryableError(fmt.Errorf("task run failed: %w", runErr))
	}

	p.fail(ctx, task, runErr)
	return fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, runErr)
}

func (p *Processor) fail(ctx context.Context, task *domain.Task, cause error) {
	p.logger.Error("Task failed",
		slog.String("task_id", task.TaskID),
		slog.String("kind", task.Kind),
		slog.String("error", cause.Error()),
	)
	if err := p.store.MarkFailed(ctx, task.TaskID, cause.Error()); err != nil && !errors.Is(err, domain.ErrTaskFinished) {
		p.logger.Error("Failed to mark task as failed",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// progressFunc stores progress; it stops the run once the task is no longer running
func (p *Processor) progressFunc(ctx context.Context, taskID string) tasks.ProgressFunc {
	return func(current, total int) error {
		err := p.store.UpdateProgress(ctx, taskID, p.workerID, domain.Progress{Current: current, Total: total}.Encode())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrTaskNotRunning):
			return errRevoked
		default:
			p.logger.Warn("Failed to store progress",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}
}

// sendHeartbeat keeps last_heartbeat_at fresh and cancels the run when the
// task is revoked
func (p *Processor) sendHeartbeat(ctx context.Context, taskID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, taskID, p.workerID)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrTaskNotRunning):
				cancel(errRevoked)
				return
			default:
				p.logger.Warn("Failed to update task heartbeat",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
