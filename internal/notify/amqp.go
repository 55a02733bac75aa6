package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobflow/internal/domain"
)

const contentTypeJSON = "application/json"

// Publisher sends a message body to the configured exchange
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Consumer starts a delivery stream from the configured queue
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

var _ domain.EventSink = (*AMQPPublisher)(nil)

// AMQPPublisher forwards events to a RabbitMQ exchange as JSON.
// Failures are logged and never returned.
type AMQPPublisher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPPublisher creates an AMQPPublisher
func NewAMQPPublisher(publisher Publisher, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{publisher: publisher, logger: logger}
}

// Publish implements domain.EventSink
func (p *AMQPPublisher) Publish(ctx context.Context, e domain.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.publisher.Publish(ctx, body, contentTypeJSON); err != nil {
		p.logger.Warn("Failed to publish event, dropping",
			slog.String("kind", string(e.Kind)),
			slog.String("job_id", e.JobID),
			slog.String("workflow_id", e.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}

// AMQPRelay consumes events published by other processes and republishes
// them to a local sink
type AMQPRelay struct {
	consumer Consumer
	sink     domain.EventSink
	logger   *slog.Logger
	tag      string
}

// NewAMQPRelay creates an AMQPRelay
func NewAMQPRelay(consumer Consumer, sink domain.EventSink, logger *slog.Logger, consumerTag string) *AMQPRelay {
	return &AMQPRelay{
		consumer: consumer,
		sink:     sink,
		logger:   logger,
		tag:      consumerTag,
	}
}

// Run relays events until ctx is cancelled or the delivery channel closes
func (r *AMQPRelay) Run(ctx context.Context) error {
	deliveries, err := r.consumer.Consume(r.tag)
	if err != nil {
		return fmt.Errorf("failed to start event relay: %w", err)
	}

	r.logger.Info("Event relay started",
		slog.String("consumer_tag", r.tag),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Event relay stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("event delivery channel closed")
			}
			r.relay(ctx, d)
		}
	}
}

func (r *AMQPRelay) relay(ctx context.Context, d amqp.Delivery) {
	var e domain.Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		r.logger.Warn("Discarding malformed event",
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			r.logger.Error("Failed to reject event",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	r.sink.Publish(ctx, e)

	if err := d.Ack(false); err != nil {
		r.logger.Error("Failed to ack event",
			slog.String("error", err.Error()),
		)
	}
}
