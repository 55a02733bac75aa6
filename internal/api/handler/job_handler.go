package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/api/dto"
	"github.com/cuongbtq/jobflow/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), req.JobType, req.Payload)
	if err != nil {
		respondError(c, h.logger, "Failed to create job", err)
		return
	}

	h.waker.JobSubmitted(c.Request.Context(), job.ID)

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		badRequest(c, h.logger, "Invalid status", fmt.Errorf("unknown job status %q", req.Status))
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		badRequest(c, h.logger, "Invalid cursor", err)
		return
	}

	// one extra row tells whether another page exists
	jobs, err := h.jobs.List(c.Request.Context(), domain.JobFilter{
		JobType: req.JobType,
		Status:  status,
		Limit:   req.PageSize + 1,
		Cursor:  cursor,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&domain.Cursor{
			CreatedAt: lastJob.CreatedAt,
			ID:        lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to cancel job", err)
		return
	}

	h.logger.Info("Job cancelled via API",
		slog.String("job_id", jobID),
	)

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		badRequest(c, h.logger, "job_id must be a valid UUID", err)
		return "", false
	}
	return jobID, true
}
