package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// StepHandler executes one step of a workflow. A returned error marks the
// step and the workflow FAILED; Fail reports the same outcome as data.
type StepHandler interface {
	Execute(ctx context.Context, sc *StepContext) (StepResult, error)
}

// StepFunc adapts an ordinary function to StepHandler
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// Execute calls f
func (f StepFunc) Execute(ctx context.Context, sc *StepContext) (StepResult, error) {
	return f(ctx, sc)
}

// StepDefinition describes one ordered step of a workflow type
type StepDefinition struct {
	Type        string
	Description string
	Handler     StepHandler
}

// Definition is the ordered list of steps run for one workflow type
type Definition struct {
	Type  string
	Steps []StepDefinition
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return errors.New("workflow type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Type)
	}
	for i, s := range d.Steps {
		if s.Type == "" {
			return fmt.Errorf("workflow %q: step %d has no type", d.Type, i)
		}
		if s.Handler == nil {
			return fmt.Errorf("workflow %q: step %d (%s) has no handler", d.Type, i, s.Type)
		}
	}
	return nil
}

type resultKind int

const (
	resultDone resultKind = iota
	resultWaitUntil
	resultWaitWebhook
	resultFail
)

// StepResult tells the engine what to do after a step handler returns
type StepResult struct {
	kind      resultKind
	output    domain.Payload
	until     time.Time
	safetyNet time.Duration
	reason    string
}

// Done completes the step with output and moves on to the next one
func Done(output domain.Payload) StepResult {
	return StepResult{kind: resultDone, output: output}
}

// WaitUntil suspends the workflow until t, when a poll pass re-enters the step
func WaitUntil(t time.Time) StepResult {
	return StepResult{kind: resultWaitUntil, until: t}
}

// WaitForWebhook suspends the workflow until a registered webhook is
// delivered. A positive safetyNet also schedules a poll re-entry after that
// long; zero uses the engine default.
func WaitForWebhook(safetyNet time.Duration) StepResult {
	return StepResult{kind: resultWaitWebhook, safetyNet: safetyNet}
}

// Fail reports an unrecoverable failure without raising an error
func Fail(reason string) StepResult {
	return StepResult{kind: resultFail, reason: reason}
}
