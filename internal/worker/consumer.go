package worker

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobflow/internal/wakeup"
)

// Consumer starts a delivery stream from the wake-up queue
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// consumeWakeups turns wake-up hints into an immediate job drain or poll
// pass. Losing the stream is not fatal: the periodic sweeps keep running.
func (w *Worker) consumeWakeups(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Wake-up consumer started",
		slog.String("worker_id", w.id),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Wake-up delivery channel closed, continuing with periodic sweeps only")
				return nil
			}
			w.handleWakeup(delivery)
		}
	}
}

func (w *Worker) handleWakeup(delivery amqp.Delivery) {
	msg, err := wakeup.Decode(delivery.Body)
	if err != nil {
		w.logger.Error("Discarding invalid wake-up message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages are never requeued
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	switch msg.Kind {
	case wakeup.KindJob:
		w.jobs.Wake()
	case wakeup.KindWorkflow:
		w.scheduler.Trigger()
	}

	w.logger.Debug("Wake-up received",
		slog.String("kind", string(msg.Kind)),
		slog.String("id", msg.ID),
	)

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK wake-up message",
			slog.String("error", ackErr.Error()),
		)
	}
}
