package dto

import (
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

type CreateWorkflowRequest struct {
	WorkflowType   string         `json:"workflow_type" binding:"required"`
	UserID         string         `json:"user_id" binding:"required"`
	ConversationID string         `json:"conversation_id"`
	Input          domain.Payload `json:"input"`
}

type ListWorkflowsRequest struct {
	Status         string `form:"status"`
	UserID         string `form:"user_id"`
	ConversationID string `form:"conversation_id"`
	Limit          int    `form:"limit"`
}

type ListWorkflowsResponse struct {
	Workflows []WorkflowDTO `json:"workflows"`
}

type WorkflowDTO struct {
	WorkflowID     string         `json:"workflow_id"`
	WorkflowType   string         `json:"workflow_type"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Status         string         `json:"status"`
	CurrentStep    *int           `json:"current_step,omitempty"`
	State          domain.Payload `json:"state"`
	Result         domain.Payload `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      string         `json:"created_at"`
	StartedAt      string         `json:"started_at,omitempty"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	NextCheckAt    string         `json:"next_check_at,omitempty"`
}

type StepDTO struct {
	StepIndex   int            `json:"step_index"`
	StepType    string         `json:"step_type"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Output      domain.Payload `json:"output,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

type WebhookDTO struct {
	ExternalSystem string `json:"external_system"`
	StepIndex      int    `json:"step_index"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ConsumedAt     string `json:"consumed_at,omitempty"`
}

type WorkflowDetailResponse struct {
	WorkflowDTO
	Steps    []StepDTO    `json:"steps"`
	Webhooks []WebhookDTO `json:"webhooks"`
}

type WebhookDeliveryResponse struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id"`
	StepIndex  int    `json:"step_index"`
}

// NewWorkflowDTO converts a stored workflow to its API shape
func NewWorkflowDTO(wf *domain.Workflow) WorkflowDTO {
	out := WorkflowDTO{
		WorkflowID:   wf.ID,
		WorkflowType: wf.WorkflowType,
		UserID:       wf.UserID,
		Status:       string(wf.Status),
		CurrentStep:  wf.CurrentStep,
		State:        wf.State,
		Result:       wf.Result,
		CreatedAt:    wf.CreatedAt.Format(time.RFC3339Nano),
		StartedAt:    formatTime(wf.StartedAt),
		CompletedAt:  formatTime(wf.CompletedAt),
		NextCheckAt:  formatTime(wf.NextCheckAt),
	}
	if wf.ConversationID != nil {
		out.ConversationID = *wf.ConversationID
	}
	if wf.Error != nil {
		out.Error = *wf.Error
	}
	return out
}

// NewStepDTO converts a stored step to its API shape
func NewStepDTO(st *domain.WorkflowStep) StepDTO {
	return StepDTO{
		StepIndex:   st.StepIndex,
		StepType:    st.StepType,
		Description: st.Description,
		Status:      string(st.Status),
		Output:      st.Output,
		StartedAt:   formatTime(st.StartedAt),
		CompletedAt: formatTime(st.CompletedAt),
	}
}

// NewWebhookDTO converts a registration to its API shape. The token is
// never exposed.
func NewWebhookDTO(reg *domain.WebhookRegistration) WebhookDTO {
	return WebhookDTO{
		ExternalSystem: reg.ExternalSystem,
		StepIndex:      reg.StepIndex,
		Status:         string(reg.Status),
		CreatedAt:      reg.CreatedAt.Format(time.RFC3339Nano),
		ConsumedAt:     formatTime(reg.ConsumedAt),
	}
}
