package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Broker delivers task messages to the worker
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             storage.Store
	Broker            Broker
	Registry          *tasks.Registry
	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// ClaimRetryDelay is how long a delivery for a task held by another
	// worker waits before it goes back to the queue
	ClaimRetryDelay time.Duration
}

// Worker consumes task messages and runs them on a fixed pool of goroutines
type Worker struct {
	logger        *slog.Logger
	broker        Broker
	processor     *Processor
	workerID      string
	concurrency   int
	prefetchCount int
	jobsChan      chan *taskMessage
}

// taskMessage pairs a task id with the delivery to settle once it ran
type taskMessage struct {
	TaskID   string
	Delivery amqp.Delivery
}

// errDeliveriesClosed is returned by Start when the broker stops delivering
var errDeliveriesClosed = errors.New("delivery channel closed")

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		processor:     NewProcessor(cfg),
		workerID:      cfg.WorkerID,
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobsChan:      make(chan *taskMessage),
	}
}

// Start consumes until ctx is cancelled or the broker closes the delivery
// channel. Tasks already running finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.processor.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(w.jobsChan)
		return w.startMessageDispatcher(gctx, deliveries)
	})

	w.spawnWorkerPool(g, gctx)

	err = g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
