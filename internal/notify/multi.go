package notify

import (
	"context"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// Multi publishes every event to each of its sinks in order
type Multi []domain.EventSink

// Publish implements domain.EventSink
func (m Multi) Publish(ctx context.Context, e domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}
