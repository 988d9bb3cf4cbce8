package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrExecutorClosed is returned when publishing to a closed Inline executor
var ErrExecutorClosed = errors.New("inline executor closed")

// Inline runs tasks on goroutines of the calling process instead of
// publishing them to a broker. Retryable failures run again after RetryDelay.
type Inline struct {
	logger     *slog.Logger
	processor  *Processor
	retryDelay time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewInline creates an executor running tasks with processor
func NewInline(processor *Processor, logger *slog.Logger, retryDelay time.Duration) *Inline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Inline{
		logger:     logger,
		processor:  processor,
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// PublishTask schedules taskID and returns immediately
func (e *Inline) PublishTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}

	e.wg.Add(1)
	go e.run(taskID)
	return nil
}

func (e *Inline) run(taskID string) {
	defer e.wg.Done()

	for {
		err := e.processor.Process(e.ctx, taskID)
		if !shouldRequeue(err) {
			if err != nil {
				e.logger.Warn("Inline task dropped",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.retryDelay):
		}
	}
}

// Close cancels running tasks and waits for their goroutines
func (e *Inline) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
