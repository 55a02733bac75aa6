// Package builtin registers the job and workflow types every service
// understands.
package builtin

import (
	"fmt"
	"time"

	"github.com/cuongbtq/jobflow/internal/engine"
	"github.com/cuongbtq/jobflow/internal/runner"
)

const (
	JobNoop = "noop"

	WorkflowExternalApproval = "external_approval"
	WorkflowDelayedCheck     = "delayed_check"
)

// JobRegistry binds job handlers
type JobRegistry interface {
	Register(jobType string, h runner.Handler)
}

// WorkflowRegistry binds workflow definitions
type WorkflowRegistry interface {
	Define(def engine.Definition) error
}

// Register installs the builtin types. now must be the engine's clock so
// timed waits line up with poll passes; nil means the wall clock.
func Register(jobs JobRegistry, workflows WorkflowRegistry, now func() time.Time) error {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	jobs.Register(JobNoop, runner.HandlerFunc(noop))

	for _, def := range []engine.Definition{
		externalApproval(now),
		delayedCheck(now),
	} {
		if err := workflows.Define(def); err != nil {
			return fmt.Errorf("failed to define workflow %s: %w", def.Type, err)
		}
	}
	return nil
}
