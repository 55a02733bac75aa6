// Package storage defines the persistence contracts for jobs and workflows.
// Every mutating call is one atomic unit; callers never hold locks across calls.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// JobStore persists Job rows
type JobStore interface {
	// CreateJob persists a new PENDING job. Returns domain.ErrDuplicateID if the id exists.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob returns domain.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// ListJobs returns jobs newest first. A zero limit means no limit.
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)

	// NextPendingJob returns the oldest PENDING job in submission order,
	// or nil when the queue is empty.
	NextPendingJob(ctx context.Context) (*domain.Job, error)

	// ClaimJob moves a PENDING job to RUNNING. Returns domain.ErrAlreadyClaimed
	// when the job is no longer PENDING (e.g. it was cancelled).
	ClaimJob(ctx context.Context, id string, startedAt time.Time) (*domain.Job, error)

	// UpdateJobStatus applies a partial update. Returns domain.ErrConflict
	// when the job is already terminal.
	UpdateJobStatus(ctx context.Context, id string, update domain.JobUpdate) error
}

// WorkflowStore persists workflows, their steps and webhook registrations
type WorkflowStore interface {
	// CreateWorkflow persists a new workflow together with its steps.
	CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error

	// GetWorkflow returns domain.ErrWorkflowNotFound for unknown ids.
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)

	// ListWorkflows returns workflows newest first.
	ListWorkflows(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, error)

	// ListPendingWorkflows returns PENDING workflows oldest first.
	ListPendingWorkflows(ctx context.Context, limit int) ([]*domain.Workflow, error)

	// ListDueForPoll returns every WAITING workflow whose next_check_at is at or before now.
	ListDueForPoll(ctx context.Context, now time.Time) ([]*domain.Workflow, error)

	// ClaimWorkflow moves a workflow from the given status to RUNNING, sets
	// started_at and current_step if unset and clears next_check_at.
	// Returns domain.ErrAlreadyClaimed when the workflow is not in from.
	ClaimWorkflow(ctx context.Context, id string, from domain.WorkflowStatus, startedAt time.Time) error

	// UpdateWorkflowStatus applies a partial update. Returns domain.ErrConflict
	// when the workflow is already terminal.
	UpdateWorkflowStatus(ctx context.Context, id string, update domain.WorkflowUpdate) error

	// SaveCheckpoint persists (current_step, state, next_check_at) in one write.
	SaveCheckpoint(ctx context.Context, id string, currentStep int, state domain.Payload, nextCheckAt *time.Time) error

	// GetSteps returns the workflow's steps ordered by step_index.
	GetSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error)

	// UpdateStep applies a partial update to one step.
	UpdateStep(ctx context.Context, workflowID string, stepIndex int, update domain.StepUpdate) error

	// RegisterWebhook persists a registration with status active.
	RegisterWebhook(ctx context.Context, reg *domain.WebhookRegistration) error

	// GetWebhookByToken returns domain.ErrWebhookNotFound for unknown tokens.
	GetWebhookByToken(ctx context.Context, token string) (*domain.WebhookRegistration, error)

	// ListWebhooks returns the registrations of one workflow, oldest first.
	ListWebhooks(ctx context.Context, workflowID string) ([]*domain.WebhookRegistration, error)

	// ConsumeWebhook flips an active registration to consumed. It reports
	// false, without writing, when the registration was already consumed.
	ConsumeWebhook(ctx context.Context, id string) (bool, error)

	// WithinTx runs fn against a store bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx WorkflowStore) error) error
}
