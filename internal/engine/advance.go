package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

// PassResult counts the workflows touched by one pass
type PassResult struct {
	Started int
	Resumed int
	Skipped bool
}

// Tick runs one pass: it starts PENDING workflows oldest first, then resumes
// every WAITING workflow that is due. A Tick that would overlap a pass
// already in progress returns immediately with Skipped set.
func (e *Engine) Tick(ctx context.Context) (PassResult, error) {
	if !e.passMu.TryLock() {
		e.logger.Debug("Workflow pass already in progress, skipping")
		return PassResult{Skipped: true}, nil
	}
	defer e.passMu.Unlock()

	var res PassResult
	started, err := e.startPending(ctx)
	res.Started = started
	if err != nil {
		return res, err
	}

	resumed, err := e.resumeDue(ctx)
	res.Resumed = resumed
	return res, err
}

func (e *Engine) startPending(ctx context.Context) (int, error) {
	pending, err := e.store.ListPendingWorkflows(ctx, e.pendingBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending workflows: %w", err)
	}

	started := 0
	for _, wf := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := e.store.ClaimWorkflow(ctx, wf.ID, domain.WorkflowStatusPending, e.now()); err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				continue
			}
			e.logger.Error("Failed to claim workflow",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++

		e.logger.Info("Workflow started",
			slog.String("workflow_id", wf.ID),
			slog.String("workflow_type", wf.WorkflowType),
		)
		e.publish(ctx, domain.Event{
			Kind:       domain.EventWorkflowStarted,
			WorkflowID: wf.ID,
			Status:     string(domain.WorkflowStatusRunning),
		})
		e.advance(ctx, wf.ID)
	}
	return started, nil
}

func (e *Engine) resumeDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDueForPoll(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows due for poll: %w", err)
	}

	resumed := 0
	for _, wf := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.store.ClaimWorkflow(ctx, wf.ID, domain.WorkflowStatusWaiting, e.now()); err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				continue
			}
			e.logger.Error("Failed to resume workflow",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resumed++

		e.logger.Info("Workflow resumed",
			slog.String("workflow_id", wf.ID),
			slog.String("workflow_type", wf.WorkflowType),
		)
		e.advance(ctx, wf.ID)
	}
	return resumed, nil
}

// advance executes the claimed workflow from its current step until it
// waits, fails, completes or is found cancelled. Failures are recorded on
// the workflow and never returned.
func (e *Engine) advance(ctx context.Context, id string) {
	// A claimed workflow is driven to its next resting state even if the
	// pass is asked to stop.
	ctx = context.WithoutCancel(ctx)

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		e.logger.Error("Failed to load workflow",
			slog.String("workflow_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	def, ok := e.definition(wf.WorkflowType)
	if !ok {
		e.failWorkflow(ctx, wf, nil, fmt.Sprintf("no definition registered for workflow type %q", wf.WorkflowType))
		return
	}

	steps, err := e.store.GetSteps(ctx, id)
	if err != nil {
		e.logger.Error("Failed to load workflow steps",
			slog.String("workflow_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(steps) != len(def.Steps) {
		e.failWorkflow(ctx, wf, nil, fmt.Sprintf("workflow has %d steps, definition %q has %d", len(steps), def.Type, len(def.Steps)))
		return
	}

	state := wf.State
	if state == nil {
		state = domain.Payload{}
	}

	current := 0
	if wf.CurrentStep != nil {
		current = *wf.CurrentStep
	}

	for idx := current; idx < len(steps); idx++ {
		if !e.stillRunning(ctx, id) {
			return
		}

		step := steps[idx]
		if step.Status == domain.StepStatusCompleted {
			// Checkpoint lagged behind the step update; never re-run a completed step.
			if err := e.store.SaveCheckpoint(ctx, id, idx+1, state, nil); err != nil {
				e.logAdvanceError(id, idx, err)
				return
			}
			continue
		}

		if !e.runStep(ctx, wf, def, step, state) {
			return
		}
	}

	e.completeWorkflow(ctx, wf, state)
}

// stillRunning re-reads the workflow so a cancellation is observed before
// the next step starts
func (e *Engine) stillRunning(ctx context.Context, id string) bool {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		e.logger.Error("Failed to reload workflow",
			slog.String("workflow_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	if wf.Status != domain.WorkflowStatusRunning {
		e.logger.Info("Workflow no longer running, stopping",
			slog.String("workflow_id", id),
			slog.String("status", string(wf.Status)),
		)
		return false
	}
	return true
}

// runStep executes one step and persists its outcome. It reports whether
// the workflow should continue with the next step.
func (e *Engine) runStep(ctx context.Context, wf *domain.Workflow, def *Definition, step *domain.WorkflowStep, state domain.Payload) bool {
	idx := step.StepIndex
	delivery := deliveryFor(state, idx)

	trigger := TriggerStart
	switch {
	case step.Status != domain.StepStatusPending && delivery != nil:
		trigger = TriggerWebhook
	case step.Status != domain.StepStatusPending:
		trigger = TriggerPoll
	}

	if step.Status == domain.StepStatusPending {
		now := e.now()
		if err := e.store.UpdateStep(ctx, wf.ID, idx, domain.StepUpdate{
			Status:    domain.StepStatusRunning,
			StartedAt: &now,
		}); err != nil {
			e.logAdvanceError(wf.ID, idx, err)
			return false
		}
		step.Status = domain.StepStatusRunning
		e.publish(ctx, domain.Event{
			Kind:       domain.EventWorkflowStepStarted,
			WorkflowID: wf.ID,
			StepIndex:  domain.IntPtr(idx),
			Status:     string(domain.StepStatusRunning),
		})
	}

	sc := &StepContext{
		WorkflowID:     wf.ID,
		WorkflowType:   wf.WorkflowType,
		UserID:         wf.UserID,
		ConversationID: wf.ConversationID,
		StepIndex:      idx,
		StepType:       step.StepType,
		State:          state,
		Trigger:        trigger,
		Delivery:       delivery.Clone(),
		engine:         e,
	}

	e.logger.Info("Executing workflow step",
		slog.String("workflow_id", wf.ID),
		slog.Int("step_index", idx),
		slog.String("step_type", step.StepType),
		slog.String("trigger", string(trigger)),
	)

	result, err := e.execute(ctx, def.Steps[idx].Handler, sc)
	// A delivery is handed to the step once. Whatever checkpoint follows
	// must not carry it into the next resumption.
	clearDelivery(state, idx)
	if err != nil {
		e.failWorkflow(ctx, wf, step, err.Error())
		return false
	}

	switch result.kind {
	case resultDone:
		return e.finishStep(ctx, wf, idx, state, result.output)
	case resultWaitUntil:
		until := result.until.UTC()
		e.suspend(ctx, wf, idx, state, &until, "poll")
		return false
	case resultWaitWebhook:
		safetyNet := result.safetyNet
		if safetyNet <= 0 {
			safetyNet = e.safetyNet
		}
		var next *time.Time
		if safetyNet > 0 {
			next = domain.TimePtr(e.now().Add(safetyNet))
		}
		e.suspend(ctx, wf, idx, state, next, "webhook")
		return false
	default:
		e.failWorkflow(ctx, wf, step, result.reason)
		return false
	}
}

// execute calls the step handler and turns a panic into a *domain.PanicError
func (e *Engine) execute(ctx context.Context, h StepHandler, sc *StepContext) (result StepResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &domain.PanicError{Value: v}
		}
	}()
	return h.Execute(ctx, sc)
}

// finishStep persists the step output and advances current_step together
func (e *Engine) finishStep(ctx context.Context, wf *domain.Workflow, idx int, state domain.Payload, output domain.Payload) bool {
	if output == nil {
		output = domain.Payload{}
	}

	now := e.now()
	err := e.store.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		if err := tx.UpdateStep(ctx, wf.ID, idx, domain.StepUpdate{
			Status:      domain.StepStatusCompleted,
			Output:      output,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		return tx.SaveCheckpoint(ctx, wf.ID, idx+1, state, nil)
	})
	if err != nil {
		e.logAdvanceError(wf.ID, idx, err)
		return false
	}

	e.logger.Info("Workflow step completed",
		slog.String("workflow_id", wf.ID),
		slog.Int("step_index", idx),
	)
	e.publish(ctx, domain.Event{
		Kind:       domain.EventWorkflowStepCompleted,
		WorkflowID: wf.ID,
		StepIndex:  domain.IntPtr(idx),
		Status:     string(domain.StepStatusCompleted),
	})
	return true
}

// suspend persists the checkpoint and WAITING together
func (e *Engine) suspend(ctx context.Context, wf *domain.Workflow, idx int, state domain.Payload, next *time.Time, reason string) {
	err := e.store.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		if err := tx.UpdateWorkflowStatus(ctx, wf.ID, domain.WorkflowUpdate{
			Status: domain.WorkflowStatusWaiting,
		}); err != nil {
			return err
		}
		return tx.SaveCheckpoint(ctx, wf.ID, idx, state, next)
	})
	if err != nil {
		e.logAdvanceError(wf.ID, idx, err)
		return
	}

	attrs := []any{
		slog.String("workflow_id", wf.ID),
		slog.Int("step_index", idx),
		slog.String("wait_for", reason),
	}
	if next != nil {
		attrs = append(attrs, slog.Time("next_check_at", *next))
	}
	e.logger.Info("Workflow waiting", attrs...)

	e.publish(ctx, domain.Event{
		Kind:       domain.EventWorkflowWaiting,
		WorkflowID: wf.ID,
		StepIndex:  domain.IntPtr(idx),
		Status:     string(domain.WorkflowStatusWaiting),
	})
}

func (e *Engine) completeWorkflow(ctx context.Context, wf *domain.Workflow, state domain.Payload) {
	steps, err := e.store.GetSteps(ctx, wf.ID)
	if err != nil {
		e.logger.Error("Failed to load workflow steps for result",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	outputs := make([]any, len(steps))
	for i, st := range steps {
		out := st.Output
		if out == nil {
			out = domain.Payload{}
		}
		outputs[i] = map[string]any(out)
	}
	result := domain.Payload{
		"steps": outputs,
		"state": map[string]any(state),
	}

	now := e.now()
	err = e.store.UpdateWorkflowStatus(ctx, wf.ID, domain.WorkflowUpdate{
		Status:         domain.WorkflowStatusCompleted,
		Result:         result,
		CompletedAt:    &now,
		ClearNextCheck: true,
	})
	if err != nil {
		e.logAdvanceError(wf.ID, len(steps)-1, err)
		return
	}

	e.logger.Info("Workflow completed successfully",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow_type", wf.WorkflowType),
	)
	e.publish(ctx, domain.Event{
		Kind:       domain.EventWorkflowCompleted,
		WorkflowID: wf.ID,
		Status:     string(domain.WorkflowStatusCompleted),
	})
}

// failWorkflow marks the step (when given) and the workflow FAILED together
func (e *Engine) failWorkflow(ctx context.Context, wf *domain.Workflow, step *domain.WorkflowStep, reason string) {
	now := e.now()
	err := e.store.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		if step != nil {
			if err := tx.UpdateStep(ctx, wf.ID, step.StepIndex, domain.StepUpdate{
				Status:      domain.StepStatusFailed,
				CompletedAt: &now,
			}); err != nil {
				return err
			}
		}
		return tx.UpdateWorkflowStatus(ctx, wf.ID, domain.WorkflowUpdate{
			Status:         domain.WorkflowStatusFailed,
			Error:          &reason,
			CompletedAt:    &now,
			ClearNextCheck: true,
		})
	})

	stepIndex := -1
	if step != nil {
		stepIndex = step.StepIndex
	}
	if err != nil {
		e.logAdvanceError(wf.ID, stepIndex, err)
		return
	}

	e.logger.Error("Workflow failed",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow_type", wf.WorkflowType),
		slog.Int("step_index", stepIndex),
		slog.String("error", reason),
	)
	event := domain.Event{
		Kind:       domain.EventWorkflowFailed,
		WorkflowID: wf.ID,
		Status:     string(domain.WorkflowStatusFailed),
		Error:      reason,
	}
	if step != nil {
		event.StepIndex = domain.IntPtr(stepIndex)
	}
	e.publish(ctx, event)
}

func (e *Engine) logAdvanceError(id string, stepIndex int, err error) {
	if errors.Is(err, domain.ErrConflict) {
		e.logger.Warn("Workflow changed state during step, outcome discarded",
			slog.String("workflow_id", id),
			slog.Int("step_index", stepIndex),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Error("Failed to persist workflow transition",
		slog.String("workflow_id", id),
		slog.Int("step_index", stepIndex),
		slog.String("error", err.Error()),
	)
}
