package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/api/dto"
	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
)

// CreateWorkflow handles POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	wf, err := h.workflows.Submit(c.Request.Context(), engine.StartRequest{
		WorkflowType:   req.WorkflowType,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Input:          req.Input,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to create workflow", err)
		return
	}

	h.waker.WorkflowReady(c.Request.Context(), wf.ID)

	c.JSON(http.StatusCreated, dto.NewWorkflowDTO(wf))
}

// ListWorkflows handles GET /api/v1/workflows
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	var req dto.ListWorkflowsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}

	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	status := domain.WorkflowStatus(req.Status)
	if status != "" && !status.Valid() {
		badRequest(c, h.logger, "Invalid status", fmt.Errorf("unknown workflow status %q", req.Status))
		return
	}

	workflows, err := h.workflows.List(c.Request.Context(), domain.WorkflowFilter{
		Status:         status,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Limit:          req.Limit,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list workflows", err)
		return
	}

	out := make([]dto.WorkflowDTO, len(workflows))
	for i, wf := range workflows {
		out[i] = dto.NewWorkflowDTO(wf)
	}

	c.JSON(http.StatusOK, dto.ListWorkflowsResponse{Workflows: out})
}

// GetWorkflow handles GET /api/v1/workflows/:workflow_id
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	workflowID, ok := h.workflowID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	wf, err := h.workflows.Get(ctx, workflowID)
	if err != nil {
		respondError(c, h.logger, "Failed to get workflow", err)
		return
	}

	steps, err := h.workflows.Steps(ctx, workflowID)
	if err != nil {
		respondError(c, h.logger, "Failed to get workflow steps", err)
		return
	}

	hooks, err := h.workflows.Webhooks(ctx, workflowID)
	if err != nil {
		respondError(c, h.logger, "Failed to get workflow webhooks", err)
		return
	}

	resp := dto.WorkflowDetailResponse{
		WorkflowDTO: dto.NewWorkflowDTO(wf),
		Steps:       make([]dto.StepDTO, len(steps)),
		Webhooks:    make([]dto.WebhookDTO, len(hooks)),
	}
	for i, st := range steps {
		resp.Steps[i] = dto.NewStepDTO(st)
	}
	for i, reg := range hooks {
		resp.Webhooks[i] = dto.NewWebhookDTO(reg)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelWorkflow handles POST /api/v1/workflows/:workflow_id/cancel
func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	workflowID, ok := h.workflowID(c)
	if !ok {
		return
	}

	wf, err := h.workflows.Cancel(c.Request.Context(), workflowID)
	if err != nil {
		respondError(c, h.logger, "Failed to cancel workflow", err)
		return
	}

	h.logger.Info("Workflow cancelled via API",
		slog.String("workflow_id", workflowID),
	)

	c.JSON(http.StatusOK, dto.NewWorkflowDTO(wf))
}

// DeliverWebhook handles POST /api/v1/webhooks/:token
func (h *WorkflowHandler) DeliverWebhook(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrWebhookNotFound.Error()})
		return
	}

	payload := domain.Payload{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, h.logger, "Webhook body must be a JSON object", err)
			return
		}
	}

	delivery, err := h.workflows.DeliverWebhook(c.Request.Context(), token, payload)
	if err != nil {
		respondError(c, h.logger, "Failed to deliver webhook", err)
		return
	}

	resp := dto.WebhookDeliveryResponse{
		WorkflowID: delivery.WorkflowID,
		StepIndex:  delivery.StepIndex,
	}

	if delivery.Duplicate {
		h.logger.Info("Duplicate webhook delivery ignored",
			slog.String("workflow_id", delivery.WorkflowID),
			slog.Int("step_index", delivery.StepIndex),
		)
		resp.Status = "duplicate"
		c.JSON(http.StatusOK, resp)
		return
	}

	h.waker.WorkflowReady(c.Request.Context(), delivery.WorkflowID)

	resp.Status = "accepted"
	c.JSON(http.StatusAccepted, resp)
}

func (h *WorkflowHandler) workflowID(c *gin.Context) (string, bool) {
	workflowID := c.Param("workflow_id")
	if _, err := uuid.Parse(workflowID); err != nil {
		badRequest(c, h.logger, "workflow_id must be a valid UUID", err)
		return "", false
	}
	return workflowID, true
}
