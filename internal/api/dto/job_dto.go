package dto

import (
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

type CreateJobRequest struct {
	JobType string         `json:"job_type" binding:"required"`
	Payload domain.Payload `json:"payload"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string         `json:"job_id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	Payload         domain.Payload `json:"payload"`
	ProgressPct     int            `json:"progress_pct"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	Result          domain.Payload `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       string         `json:"created_at"`
	StartedAt       string         `json:"started_at,omitempty"`
	CompletedAt     string         `json:"completed_at,omitempty"`
}

// NewJobDTO converts a stored job to its API shape
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:           job.ID,
		JobType:         job.JobType,
		Status:          string(job.Status),
		Payload:         job.Payload,
		ProgressPct:     job.ProgressPct,
		ProgressMessage: job.ProgressMessage,
		Result:          job.Result,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339Nano),
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
	}
	if job.Error != nil {
		out.Error = *job.Error
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
