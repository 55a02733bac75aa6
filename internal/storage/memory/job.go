package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// CreateJob stores a copy of job
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s", domain.ErrDuplicateID, job.ID)
	}
	s.jobs[job.ID] = &jobRow{seq: s.nextSeq(), job: copyJob(*job)}
	return nil
}

// GetJob returns a copy of the stored job
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job := copyJob(row.job)
	return &job, nil
}

// ListJobs returns jobs ordered by created_at DESC, id DESC
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*jobRow, 0, len(s.jobs))
	for _, row := range s.jobs {
		if filter.JobType != "" && row.job.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && row.job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if !before(row.job.CreatedAt, row.job.ID, c.CreatedAt, c.ID) {
				continue
			}
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].job, rows[j].job
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.ID != b.ID {
			return a.ID > b.ID
		}
		return rows[i].seq > rows[j].seq
	})

	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	jobs := make([]*domain.Job, len(rows))
	for i, row := range rows {
		job := copyJob(row.job)
		jobs[i] = &job
	}
	return jobs, nil
}

// before reports whether (t, id) sorts strictly before the cursor (ct, cid)
// in a newest-first listing
func before(t time.Time, id string, ct time.Time, cid string) bool {
	if t.Equal(ct) {
		return id < cid
	}
	return t.Before(ct)
}

// NextPendingJob returns the oldest PENDING job by insertion order
func (s *Store) NextPendingJob(ctx context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *jobRow
	for _, row := range s.jobs {
		if row.job.Status != domain.JobStatusPending {
			continue
		}
		if next == nil || row.seq < next.seq {
			next = row
		}
	}
	if next == nil {
		return nil, nil
	}
	job := copyJob(next.job)
	return &job, nil
}

// ClaimJob moves a PENDING job to RUNNING
func (s *Store) ClaimJob(ctx context.Context, id string, startedAt time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok || row.job.Status != domain.JobStatusPending {
		return nil, domain.ErrAlreadyClaimed
	}
	row.job.Status = domain.JobStatusRunning
	row.job.StartedAt = &startedAt

	job := copyJob(row.job)
	return &job, nil
}

// UpdateJobStatus applies a partial update unless the job is terminal
func (s *Store) UpdateJobStatus(ctx context.Context, id string, update domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if row.job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, row.job.Status)
	}

	if update.Status != "" {
		row.job.Status = update.Status
	}
	if update.Result != nil {
		row.job.Result = update.Result.Clone()
	}
	if update.Error != nil {
		row.job.Error = copyStringPtr(update.Error)
	}
	if update.ProgressPct != nil {
		row.job.ProgressPct = *update.ProgressPct
	}
	if update.ProgressMessage != nil {
		row.job.ProgressMessage = *update.ProgressMessage
	}
	if update.StartedAt != nil {
		row.job.StartedAt = copyTimePtr(update.StartedAt)
	}
	if update.CompletedAt != nil {
		row.job.CompletedAt = copyTimePtr(update.CompletedAt)
	}
	return nil
}
