package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
)

// State keys written by the builtin workflows
const (
	stateCallbackPath = "callback_path"
	stateDeadline     = "approval_deadline"
	stateDecision     = "decision"
	stateDueAt        = "due_at"
)

const (
	defaultExternalSystem = "approval-service"
	defaultApprovalWindow = 24 * time.Hour
	webhookPathPrefix     = "/api/v1/webhooks/"
)

// externalApproval waits for an external system to approve or reject.
//
// Input: external_system (string), timeout_seconds (number).
func externalApproval(now func() time.Time) engine.Definition {
	request := func(ctx context.Context, sc *engine.StepContext) (engine.StepResult, error) {
		switch sc.Trigger {
		case engine.TriggerWebhook:
			decision, _ := sc.Delivery[stateDecision].(string)
			if decision == "" {
				return engine.Fail("webhook delivery carried no decision"), nil
			}
			sc.State[stateDecision] = decision
			return engine.Done(domain.Payload{stateDecision: decision}), nil

		case engine.TriggerPoll:
			deadline, err := time.Parse(time.RFC3339Nano, stringField(sc.State, stateDeadline))
			if err != nil {
				return engine.StepResult{}, fmt.Errorf("invalid %s in state: %w", stateDeadline, err)
			}
			if !now().Before(deadline) {
				return engine.Fail("approval timed out"), nil
			}
			return engine.WaitForWebhook(deadline.Sub(now())), nil
		}

		system := stringField(sc.State, "external_system")
		if system == "" {
			system = defaultExternalSystem
		}
		window := defaultApprovalWindow
		if secs, ok := numberField(sc.State, "timeout_seconds"); ok && secs > 0 {
			window = time.Duration(secs * float64(time.Second))
		}

		token, err := sc.RegisterWebhook(ctx, system)
		if err != nil {
			return engine.StepResult{}, err
		}

		// the callback path is what a real integration would hand to the external system
		sc.State[stateCallbackPath] = webhookPathPrefix + token
		sc.State[stateDeadline] = now().Add(window).Format(time.RFC3339Nano)
		sc.Report(ctx, 50, "waiting for "+system)

		return engine.WaitForWebhook(window), nil
	}

	finalize := func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
		decision := stringField(sc.State, stateDecision)
		return engine.Done(domain.Payload{
			stateDecision: decision,
			"approved":    decision == "approved",
		}), nil
	}

	return engine.Definition{
		Type: WorkflowExternalApproval,
		Steps: []engine.StepDefinition{
			{Type: "request", Description: "Ask the external system for a decision", Handler: engine.StepFunc(request)},
			{Type: "finalize", Description: "Record the decision", Handler: engine.StepFunc(finalize)},
		},
	}
}

// delayedCheck waits delay_seconds, then completes.
func delayedCheck(now func() time.Time) engine.Definition {
	wait := func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
		if raw := stringField(sc.State, stateDueAt); raw != "" {
			due, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return engine.StepResult{}, fmt.Errorf("invalid %s in state: %w", stateDueAt, err)
			}
			if now().Before(due) {
				return engine.WaitUntil(due), nil
			}
			return engine.Done(domain.Payload{"checked_at": now().Format(time.RFC3339Nano)}), nil
		}

		secs, ok := numberField(sc.State, "delay_seconds")
		if !ok || secs < 0 {
			return engine.Fail("delay_seconds must be a non-negative number"), nil
		}

		due := now().Add(time.Duration(secs * float64(time.Second)))
		sc.State[stateDueAt] = due.Format(time.RFC3339Nano)
		return engine.WaitUntil(due), nil
	}

	return engine.Definition{
		Type: WorkflowDelayedCheck,
		Steps: []engine.StepDefinition{
			{Type: "wait", Description: "Wait for the configured delay", Handler: engine.StepFunc(wait)},
		},
	}
}

func stringField(p domain.Payload, key string) string {
	s, _ := p[key].(string)
	return s
}

// numberField reads a JSON number, which decodes as float64
func numberField(p domain.Payload, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
