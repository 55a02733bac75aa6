package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, job_type, status, payload, progress_pct, progress_message,
	result, error, created_at, started_at, completed_at
`

// CreateJob inserts a new job row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, job_type, status, payload, progress_pct,
			progress_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.JobType,
		job.Status,
		job.Payload,
		job.ProgressPct,
		job.ProgressMessage,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", mapError(err, domain.ErrJobNotFound))
	}

	return nil
}

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job domain.Job
	if err := sqlx.GetContext(ctx, s.db, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ListJobs returns jobs ordered by created_at DESC, id DESC
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	jobs := []*domain.Job{}
	if err := sqlx.SelectContext(ctx, s.db, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// NextPendingJob returns the oldest PENDING job by insertion sequence
func (s *Storage) NextPendingJob(ctx context.Context) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY seq ASC LIMIT 1`

	var job domain.Job
	if err := sqlx.GetContext(ctx, s.db, &job, query, domain.JobStatusPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next pending job: %w", err)
	}

	return &job, nil
}

// ClaimJob moves a PENDING job to RUNNING using a conditional update.
// Returns the claimed job, or domain.ErrAlreadyClaimed if it is no longer PENDING.
func (s *Storage) ClaimJob(ctx context.Context, id string, startedAt time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = $2
		WHERE id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := sqlx.GetContext(ctx, s.db, &job, query, domain.JobStatusRunning, startedAt, id, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - no longer pending",
				slog.String("job_id", id),
			)
			return nil, domain.ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// UpdateJobStatus applies the non-nil fields of update to a non-terminal job
func (s *Storage) UpdateJobStatus(ctx context.Context, id string, update domain.JobUpdate) error {
	b := &setBuilder{}
	if update.Status != "" {
		b.add("status", update.Status)
	}
	if update.Result != nil {
		b.add("result", update.Result)
	}
	if update.Error != nil {
		b.add("error", *update.Error)
	}
	if update.ProgressPct != nil {
		b.add("progress_pct", *update.ProgressPct)
	}
	if update.ProgressMessage != nil {
		b.add("progress_message", *update.ProgressMessage)
	}
	if update.StartedAt != nil {
		b.add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		b.add("completed_at", *update.CompletedAt)
	}
	if b.empty() {
		return nil
	}

	query := fmt.Sprintf(
		`UPDATE jobs SET %s WHERE id = %s AND status NOT IN (%s, %s, %s)`,
		b.clause(),
		b.next(id),
		b.next(domain.JobStatusCompleted),
		b.next(domain.JobStatusFailed),
		b.next(domain.JobStatusCancelled),
	)

	res, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.jobUpdateMiss(ctx, id)
	}

	return nil
}

// jobUpdateMiss tells apart an unknown job from a terminal one
func (s *Storage) jobUpdateMiss(ctx context.Context, id string) error {
	var status domain.JobStatus
	err := sqlx.GetContext(ctx, s.db, &status, `SELECT status FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, status)
}
