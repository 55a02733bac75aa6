// Package engine runs multi-step workflows whose progress is checkpointed
// to the store. A workflow suspends on a step that waits for time or for a
// webhook and is resumed by a later poll pass.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

const defaultPendingBatch = 100

// Config holds engine configuration
type Config struct {
	Store  storage.WorkflowStore
	Sink   domain.EventSink
	Logger *slog.Logger
	Now    func() time.Time

	// WebhookSafetyNet is the default poll re-entry delay of a webhook wait.
	// Zero means a webhook wait is resumed by delivery only.
	WebhookSafetyNet time.Duration

	// PendingBatch caps how many PENDING workflows one pass starts
	PendingBatch int
}

// Engine owns the workflow definitions and drives their execution
type Engine struct {
	store        storage.WorkflowStore
	sink         domain.EventSink
	logger       *slog.Logger
	now          func() time.Time
	safetyNet    time.Duration
	pendingBatch int

	mu   sync.RWMutex
	defs map[string]*Definition

	// passMu keeps passes from overlapping
	passMu sync.Mutex
}

// New creates an Engine
func New(cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	batch := cfg.PendingBatch
	if batch <= 0 {
		batch = defaultPendingBatch
	}

	return &Engine{
		store:        cfg.Store,
		sink:         cfg.Sink,
		logger:       logger,
		now:          now,
		safetyNet:    cfg.WebhookSafetyNet,
		pendingBatch: batch,
		defs:         make(map[string]*Definition),
	}
}

// Define registers a workflow definition, replacing any previous one of the same type
func (e *Engine) Define(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	d := def
	d.Steps = append([]StepDefinition(nil), def.Steps...)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[d.Type] = &d
	return nil
}

// Registered reports whether workflowType has a definition
func (e *Engine) Registered(workflowType string) bool {
	_, ok := e.definition(workflowType)
	return ok
}

// Types returns the defined workflow types in lexical order
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.defs))
	for t := range e.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (e *Engine) definition(workflowType string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[workflowType]
	return d, ok
}

// StartRequest describes a workflow to submit
type StartRequest struct {
	WorkflowType   string
	UserID         string
	ConversationID string
	Input          domain.Payload
}

// Submit persists a PENDING workflow with one PENDING step per definition
// step. Input becomes the initial state. It fails with a
// *domain.SubmissionError, before anything is written, for an unknown type.
func (e *Engine) Submit(ctx context.Context, req StartRequest) (*domain.Workflow, error) {
	def, ok := e.definition(req.WorkflowType)
	if !ok {
		return nil, domain.NewSubmissionError("workflow", req.WorkflowType)
	}

	state := req.Input.Clone()
	if state == nil {
		state = domain.Payload{}
	}

	wf := &domain.Workflow{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		WorkflowType: def.Type,
		Status:       domain.WorkflowStatusPending,
		State:        state,
		CreatedAt:    e.now(),
	}
	if req.ConversationID != "" {
		wf.ConversationID = domain.StringPtr(req.ConversationID)
	}

	steps := make([]*domain.WorkflowStep, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = &domain.WorkflowStep{
			ID:          uuid.NewString(),
			WorkflowID:  wf.ID,
			StepIndex:   i,
			StepType:    s.Type,
			Description: s.Description,
			Status:      domain.StepStatusPending,
		}
	}

	if err := e.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, fmt.Errorf("failed to submit workflow: %w", err)
	}

	e.logger.Info("Workflow submitted",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow_type", wf.WorkflowType),
		slog.String("user_id", wf.UserID),
	)
	return wf, nil
}

// Get returns a workflow by id
func (e *Engine) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Steps returns the steps of a workflow ordered by step_index
func (e *Engine) Steps(ctx context.Context, id string) ([]*domain.WorkflowStep, error) {
	return e.store.GetSteps(ctx, id)
}

// Webhooks returns the webhook registrations of a workflow
func (e *Engine) Webhooks(ctx context.Context, id string) ([]*domain.WebhookRegistration, error) {
	if _, err := e.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListWebhooks(ctx, id)
}

// List returns workflows newest first
func (e *Engine) List(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// Cancel moves a non-terminal workflow to CANCELLED. A step in flight runs to
// completion but its outcome is discarded and no further step starts.
func (e *Engine) Cancel(ctx context.Context, id string) (*domain.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: workflow %s is %s", domain.ErrConflict, id, wf.Status)
	}

	now := e.now()
	if err := e.store.UpdateWorkflowStatus(ctx, id, domain.WorkflowUpdate{
		Status:         domain.WorkflowStatusCancelled,
		CompletedAt:    &now,
		ClearNextCheck: true,
	}); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow cancelled",
		slog.String("workflow_id", id),
		slog.String("previous_status", string(wf.Status)),
	)
	e.publish(ctx, domain.Event{
		Kind:       domain.EventWorkflowCancelled,
		WorkflowID: id,
		Status:     string(domain.WorkflowStatusCancelled),
	})

	return e.store.GetWorkflow(ctx, id)
}

// RecoverInterrupted re-queues workflows left RUNNING by a previous process
// so the next pass re-enters their current step. It must run before passes start.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	wfs, err := e.store.ListWorkflows(ctx, domain.WorkflowFilter{Status: domain.WorkflowStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running workflows: %w", err)
	}

	recovered := 0
	for _, wf := range wfs {
		now := e.now()
		err := e.store.UpdateWorkflowStatus(ctx, wf.ID, domain.WorkflowUpdate{
			Status:      domain.WorkflowStatusWaiting,
			NextCheckAt: &now,
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to recover workflow %s: %w", wf.ID, err)
		}
		recovered++
		e.logger.Warn("Re-queued interrupted workflow",
			slog.String("workflow_id", wf.ID),
			slog.String("workflow_type", wf.WorkflowType),
		)
	}
	return recovered, nil
}

func (e *Engine) publish(ctx context.Context, event domain.Event) {
	if e.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	e.sink.Publish(ctx, event)
}
