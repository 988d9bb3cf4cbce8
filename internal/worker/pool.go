package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskpoll/internal/domain"
	"golang.org/x/sync/errgroup"
)

// spawnWorkerPool starts N worker goroutines in g
func (w *Worker) spawnWorkerPool(g *errgroup.Group, ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.workerLoop(ctx, i)
			return nil
		})
	}
}

// workerLoop runs tasks from jobsChan until it is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	// A running task is not interrupted by shutdown
	runCtx := context.WithoutCancel(ctx)

	for msg := range w.jobsChan {
		w.logger.Info("Worker received task",
			slog.String("worker_name", workerName),
			slog.String("task_id", msg.TaskID),
			slog.Uint64("delivery_tag", msg.Delivery.DeliveryTag),
		)

		err := w.processor.Process(runCtx, msg.TaskID)
		w.settle(workerName, msg, err)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed", slog.String("worker_name", workerName))
}

// settle acks or nacks the delivery based on the processing result
func (w *Worker) settle(workerName string, msg *taskMessage, err error) {
	if err == nil {
		if ackErr := msg.Delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("task_id", msg.TaskID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	w.logger.Warn("Task processing failed",
		slog.String("worker_name", workerName),
		slog.String("task_id", msg.TaskID),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)

	if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("task_id", msg.TaskID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeue reports whether a failed task should be delivered again
func shouldRequeue(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
