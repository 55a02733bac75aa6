package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
	"github.com/cuongbtq/jobflow/internal/notify"
)

// JobService is the part of runner.Runner the API exposes
type JobService interface {
	Submit(ctx context.Context, jobType string, payload domain.Payload) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
}

// WorkflowService is the part of engine.Engine the API exposes
type WorkflowService interface {
	Submit(ctx context.Context, req engine.StartRequest) (*domain.Workflow, error)
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	Steps(ctx context.Context, id string) ([]*domain.WorkflowStep, error)
	Webhooks(ctx context.Context, id string) ([]*domain.WebhookRegistration, error)
	List(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, error)
	Cancel(ctx context.Context, id string) (*domain.Workflow, error)
	DeliverWebhook(ctx context.Context, token string, payload domain.Payload) (*engine.WebhookDelivery, error)
}

// Waker tells the worker that new work is ready
type Waker interface {
	JobSubmitted(ctx context.Context, jobID string)
	WorkflowReady(ctx context.Context, workflowID string)
}

// EventSource hands out live event subscriptions
type EventSource interface {
	Subscribe(filter notify.Filter) *notify.Subscriber
	Unsubscribe(id string)
	Stats() notify.BrokerStats
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Jobs         JobService
	Workflows    WorkflowService
	Waker        Waker
	Events       EventSource
	HealthChecks map[string]HealthCheck
	// Heartbeat is the SSE keep-alive interval
	Heartbeat time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
	waker  Waker
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
		waker:  deps.Waker,
	}
}

// WorkflowHandler handles workflow and webhook HTTP requests
type WorkflowHandler struct {
	logger    *slog.Logger
	workflows WorkflowService
	waker     Waker
}

// NewWorkflowHandler creates a new WorkflowHandler instance
func NewWorkflowHandler(deps *Dependencies) *WorkflowHandler {
	return &WorkflowHandler{
		logger:    deps.Logger,
		workflows: deps.Workflows,
		waker:     deps.Waker,
	}
}
