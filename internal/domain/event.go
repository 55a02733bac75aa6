package domain

import (
	"context"
	"time"
)

// EventKind names a lifecycle or progress event
type EventKind string

const (
	EventJobStarted   EventKind = "job.started"
	EventJobProgress  EventKind = "job.progress"
	EventJobCompleted EventKind = "job.completed"
	EventJobFailed    EventKind = "job.failed"
	EventJobCancelled EventKind = "job.cancelled"

	EventWorkflowStarted         EventKind = "workflow.started"
	EventWorkflowStepStarted     EventKind = "workflow.step_started"
	EventWorkflowStepProgress    EventKind = "workflow.step_progress"
	EventWorkflowStepCompleted   EventKind = "workflow.step_completed"
	EventWorkflowWaiting         EventKind = "workflow.waiting"
	EventWorkflowWebhookReceived EventKind = "workflow.webhook_received"
	EventWorkflowCompleted       EventKind = "workflow.completed"
	EventWorkflowFailed          EventKind = "workflow.failed"
	EventWorkflowCancelled       EventKind = "workflow.cancelled"
)

// Event is a best-effort notification. The store stays the source of truth.
type Event struct {
	Kind            EventKind `json:"kind"`
	JobID           string    `json:"job_id,omitempty"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	StepIndex       *int      `json:"step_index,omitempty"`
	Status          string    `json:"status,omitempty"`
	ProgressPct     *int      `json:"progress_pct,omitempty"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventSink receives events. Implementations must not block the caller
// for long and must never fail it.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
