package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer applies QoS and starts consuming with the worker id as tag
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return nil, err
	}

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, err
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return errDeliveriesClosed
			}

			taskID, err := decodeMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting message",
					slog.String("body", string(delivery.Body)),
					slog.String("error", err.Error()),
				)
				// Malformed messages go to the dead letter queue if one is bound
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &taskMessage{TaskID: taskID, Delivery: delivery}:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return ctx.Err()
			}
		}
	}
}

func decodeMessage(body []byte) (string, error) {
	var msg domain.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if _, err := uuid.Parse(msg.TaskID); err != nil {
		return "", fmt.Errorf("invalid task_id %q: %w", msg.TaskID, err)
	}
	return msg.TaskID, nil
}
