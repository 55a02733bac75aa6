package domain

import "time"

// Job represents a single, non-resumable unit of background work
type Job struct {
	ID              string     `db:"id" json:"id"`
	JobType         string     `db:"job_type" json:"job_type"`
	Status          JobStatus  `db:"status" json:"status"`
	Payload         Payload    `db:"payload" json:"payload"`
	ProgressPct     int        `db:"progress_pct" json:"progress_pct"`
	ProgressMessage string     `db:"progress_message" json:"progress_message"`
	Result          Payload    `db:"result" json:"result,omitempty"`
	Error           *string    `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// JobUpdate is a partial update applied by JobStore.UpdateJobStatus.
// Nil fields are left untouched.
type JobUpdate struct {
	Status          JobStatus
	Result          Payload
	Error           *string
	ProgressPct     *int
	ProgressMessage *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Cursor marks a position in a recency-ordered listing
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// JobFilter narrows a job listing. Zero values mean "any".
type JobFilter struct {
	JobType string
	Status  JobStatus
	Limit   int
	Cursor  *Cursor
}
