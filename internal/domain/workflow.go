package domain

import "time"

// Workflow is a multi-step process whose progress is checkpointed
type Workflow struct {
	ID             string         `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	ConversationID *string        `db:"conversation_id" json:"conversation_id,omitempty"`
	WorkflowType   string         `db:"workflow_type" json:"workflow_type"`
	Status         WorkflowStatus `db:"status" json:"status"`
	State          Payload        `db:"state" json:"state"`
	CurrentStep    *int           `db:"current_step" json:"current_step,omitempty"`
	Result         Payload        `db:"result" json:"result,omitempty"`
	Error          *string        `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	NextCheckAt    *time.Time     `db:"next_check_at" json:"next_check_at,omitempty"`
}

// WorkflowStep is one ordered unit of work within a Workflow
type WorkflowStep struct {
	ID          string     `db:"id" json:"id"`
	WorkflowID  string     `db:"workflow_id" json:"workflow_id"`
	StepIndex   int        `db:"step_index" json:"step_index"`
	StepType    string     `db:"step_type" json:"step_type"`
	Description string     `db:"description" json:"description"`
	Status      StepStatus `db:"status" json:"status"`
	Output      Payload    `db:"output" json:"output,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// WebhookRegistration records that a workflow step waits for an external callback.
// The token is the only external lookup key.
type WebhookRegistration struct {
	ID             string        `db:"id" json:"id"`
	WorkflowID     string        `db:"workflow_id" json:"workflow_id"`
	StepIndex      int           `db:"step_index" json:"step_index"`
	Token          string        `db:"webhook_token" json:"-"`
	ExternalSystem string        `db:"external_system" json:"external_system"`
	Status         WebhookStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ConsumedAt     *time.Time    `db:"consumed_at" json:"consumed_at,omitempty"`
}

// WorkflowUpdate is a partial update applied by UpdateWorkflowStatus.
// Nil fields are left untouched; ClearNextCheck resets next_check_at to NULL.
type WorkflowUpdate struct {
	Status         WorkflowStatus
	Result         Payload
	Error          *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CurrentStep    *int
	NextCheckAt    *time.Time
	ClearNextCheck bool
}

// StepUpdate is a partial update of a WorkflowStep
type StepUpdate struct {
	Status      StepStatus
	Output      Payload
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WorkflowFilter narrows a workflow listing. Zero values mean "any".
type WorkflowFilter struct {
	Status         WorkflowStatus
	UserID         string
	ConversationID string
	Limit          int
}
