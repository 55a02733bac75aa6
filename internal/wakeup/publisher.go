package wakeup

import (
	"context"
	"log/slog"
)

const contentTypeJSON = "application/json"

// Sender publishes a body with retries
type Sender interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher sends wake-up hints. Failures are logged only: the worker's
// periodic sweep picks the work up regardless.
type Publisher struct {
	sender Sender
	logger *slog.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	return &Publisher{sender: sender, logger: logger}
}

// JobSubmitted hints that a job is pending
func (p *Publisher) JobSubmitted(ctx context.Context, jobID string) {
	p.send(ctx, Message{Kind: KindJob, ID: jobID})
}

// WorkflowReady hints that a workflow is pending or has a delivered webhook
func (p *Publisher) WorkflowReady(ctx context.Context, workflowID string) {
	p.send(ctx, Message{Kind: KindWorkflow, ID: workflowID})
}

func (p *Publisher) send(ctx context.Context, m Message) {
	body, err := m.Encode()
	if err != nil {
		p.logger.Error("Failed to encode wake-up message",
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.sender.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		p.logger.Warn("Failed to publish wake-up, worker will pick it up on its next sweep",
			slog.String("kind", string(m.Kind)),
			slog.String("id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Debug("Wake-up published",
		slog.String("kind", string(m.Kind)),
		slog.String("id", m.ID),
	)
}
