package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// Trigger says why a step is being executed
type Trigger string

const (
	// TriggerStart is the first execution of a step
	TriggerStart Trigger = "start"
	// TriggerPoll is a re-entry after a timed wait or a webhook safety net
	TriggerPoll Trigger = "poll"
	// TriggerWebhook is a re-entry after an accepted webhook delivery
	TriggerWebhook Trigger = "webhook"
)

// tokenBytes is the entropy of a webhook token before encoding
const tokenBytes = 32

// StepContext is handed to a StepHandler for one execution of one step.
// Changes to State are persisted with the next checkpoint.
type StepContext struct {
	WorkflowID     string
	WorkflowType   string
	UserID         string
	ConversationID *string
	StepIndex      int
	StepType       string
	State          domain.Payload
	Trigger        Trigger

	// Delivery is the webhook payload accepted for this step, if any
	Delivery domain.Payload

	engine *Engine
}

// RegisterWebhook persists an active registration for this step and returns
// the token the external system must call back with.
func (sc *StepContext) RegisterWebhook(ctx context.Context, externalSystem string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	reg := &domain.WebhookRegistration{
		ID:             uuid.NewString(),
		WorkflowID:     sc.WorkflowID,
		StepIndex:      sc.StepIndex,
		Token:          token,
		ExternalSystem: externalSystem,
		Status:         domain.WebhookStatusActive,
		CreatedAt:      sc.engine.now(),
	}
	if err := sc.engine.store.RegisterWebhook(ctx, reg); err != nil {
		return "", fmt.Errorf("failed to register webhook: %w", err)
	}

	sc.engine.logger.Info("Webhook registration created",
		slog.String("workflow_id", sc.WorkflowID),
		slog.Int("step_index", sc.StepIndex),
		slog.String("external_system", externalSystem),
	)
	return token, nil
}

// Report publishes step progress. It is best effort and not persisted.
func (sc *StepContext) Report(ctx context.Context, pct int, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	sc.engine.publish(ctx, domain.Event{
		Kind:            domain.EventWorkflowStepProgress,
		WorkflowID:      sc.WorkflowID,
		StepIndex:       domain.IntPtr(sc.StepIndex),
		Status:          string(domain.StepStatusRunning),
		ProgressPct:     domain.IntPtr(pct),
		ProgressMessage: message,
	})
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
