package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// progressReporter is the ProgressSink handed to handlers. Only the job
// currently executing may report, and its percentage never goes down.
type progressReporter struct {
	r *Runner

	mu    sync.Mutex
	jobID string
	last  int
}

func (p *progressReporter) begin(jobID string, pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobID = jobID
	p.last = pct
}

func (p *progressReporter) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobID = ""
	p.last = 0
}

// Report clamps pct to [0,100], persists it and publishes a progress event
func (p *progressReporter) Report(ctx context.Context, jobID string, pct int, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if jobID == "" || jobID != p.jobID {
		return fmt.Errorf("%w: job %s is not executing", domain.ErrConflict, jobID)
	}

	pct = clampPct(pct)
	if pct < p.last {
		pct = p.last
	}

	err := p.r.store.UpdateJobStatus(ctx, jobID, domain.JobUpdate{
		ProgressPct:     &pct,
		ProgressMessage: &message,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to persist progress: %w", err)
	}
	p.last = pct

	p.r.publish(ctx, domain.Event{
		Kind:            domain.EventJobProgress,
		JobID:           jobID,
		Status:          string(domain.JobStatusRunning),
		ProgressPct:     domain.IntPtr(pct),
		ProgressMessage: message,
	})
	return nil
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
