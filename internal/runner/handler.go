package runner

import (
	"context"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// Handler executes one job type. A returned error marks the job FAILED;
// handlers that want to report an expected business failure should encode
// it in the result instead.
type Handler interface {
	Execute(ctx context.Context, jobID string, payload domain.Payload, progress ProgressSink) (domain.Payload, error)
}

// HandlerFunc adapts an ordinary function to Handler
type HandlerFunc func(ctx context.Context, jobID string, payload domain.Payload, progress ProgressSink) (domain.Payload, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, jobID string, payload domain.Payload, progress ProgressSink) (domain.Payload, error) {
	return f(ctx, jobID, payload, progress)
}

// ProgressSink persists and forwards progress of the executing job.
// Report returns domain.ErrConflict once the job was cancelled, which a
// handler may use to stop early.
type ProgressSink interface {
	Report(ctx context.Context, jobID string, pct int, message string) error
}
