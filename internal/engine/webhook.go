package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

// deliveriesKey is the reserved state key holding accepted webhook payloads
// by step index until the step completes
const deliveriesKey = "_webhook_deliveries"

// WebhookDelivery reports the outcome of DeliverWebhook
type WebhookDelivery struct {
	WorkflowID string `json:"workflow_id"`
	StepIndex  int    `json:"step_index"`
	Duplicate  bool   `json:"duplicate"`
}

// DeliverWebhook accepts an external callback for token. An unknown token
// yields domain.ErrWebhookNotFound. A token that was already consumed is
// acknowledged with Duplicate set and has no side effect. A workflow that is
// not waiting on the registered step yields domain.ErrConflict.
//
// An accepted delivery consumes the registration and checkpoints the payload
// with next_check_at set to now in one transaction; the next pass re-enters
// the waiting step with TriggerWebhook.
func (e *Engine) DeliverWebhook(ctx context.Context, token string, payload domain.Payload) (*WebhookDelivery, error) {
	reg, err := e.store.GetWebhookByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	out := &WebhookDelivery{WorkflowID: reg.WorkflowID, StepIndex: reg.StepIndex}
	if reg.Status == domain.WebhookStatusConsumed {
		out.Duplicate = true
		e.logger.Info("Duplicate webhook delivery ignored",
			slog.String("workflow_id", reg.WorkflowID),
			slog.Int("step_index", reg.StepIndex),
		)
		return out, nil
	}

	if payload == nil {
		payload = domain.Payload{}
	}

	err = e.store.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		wf, err := tx.GetWorkflow(ctx, reg.WorkflowID)
		if err != nil {
			return err
		}
		if wf.Status != domain.WorkflowStatusWaiting || wf.CurrentStep == nil || *wf.CurrentStep != reg.StepIndex {
			return fmt.Errorf("%w: workflow %s is %s and not waiting on step %d",
				domain.ErrConflict, wf.ID, wf.Status, reg.StepIndex)
		}

		consumed, err := tx.ConsumeWebhook(ctx, reg.ID)
		if err != nil {
			return err
		}
		if !consumed {
			out.Duplicate = true
			return nil
		}

		state := wf.State
		if state == nil {
			state = domain.Payload{}
		}
		recordDelivery(state, reg.StepIndex, payload)

		now := e.now()
		return tx.SaveCheckpoint(ctx, wf.ID, reg.StepIndex, state, &now)
	})
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		e.logger.Info("Duplicate webhook delivery ignored",
			slog.String("workflow_id", reg.WorkflowID),
			slog.Int("step_index", reg.StepIndex),
		)
		return out, nil
	}

	e.logger.Info("Webhook delivery accepted",
		slog.String("workflow_id", reg.WorkflowID),
		slog.Int("step_index", reg.StepIndex),
		slog.String("external_system", reg.ExternalSystem),
	)
	e.publish(ctx, domain.Event{
		Kind:       domain.EventWorkflowWebhookReceived,
		WorkflowID: reg.WorkflowID,
		StepIndex:  domain.IntPtr(reg.StepIndex),
		Status:     string(domain.WorkflowStatusWaiting),
	})
	return out, nil
}

func recordDelivery(state domain.Payload, stepIndex int, payload domain.Payload) {
	deliveries, _ := state[deliveriesKey].(map[string]any)
	if deliveries == nil {
		deliveries = map[string]any{}
	}
	deliveries[strconv.Itoa(stepIndex)] = map[string]any(payload.Clone())
	state[deliveriesKey] = deliveries
}

func deliveryFor(state domain.Payload, stepIndex int) domain.Payload {
	deliveries, _ := state[deliveriesKey].(map[string]any)
	if deliveries == nil {
		return nil
	}
	p, _ := deliveries[strconv.Itoa(stepIndex)].(map[string]any)
	if p == nil {
		return nil
	}
	return domain.Payload(p)
}

func clearDelivery(state domain.Payload, stepIndex int) {
	deliveries, _ := state[deliveriesKey].(map[string]any)
	if deliveries == nil {
		return
	}
	delete(deliveries, strconv.Itoa(stepIndex))
	if len(deliveries) == 0 {
		delete(state, deliveriesKey)
	}
}
