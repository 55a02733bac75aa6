package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/runner"
)

// noop reports progress and echoes its payload. A non-empty "fail" string
// in the payload makes it fail with that message instead.
func noop(ctx context.Context, jobID string, payload domain.Payload, progress runner.ProgressSink) (domain.Payload, error) {
	if msg, ok := payload["fail"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}

	if err := progress.Report(ctx, jobID, 50, "halfway"); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("stopping early: %w", err)
		}
		return nil, err
	}

	return domain.Payload{"echo": map[string]any(payload.Clone())}, nil
}
