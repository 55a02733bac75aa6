package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// CreateWorkflow stores the workflow and its steps
func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return fmt.Errorf("%w: workflow %s", domain.ErrDuplicateID, wf.ID)
	}

	seen := make(map[int]bool, len(steps))
	rows := make([]domain.WorkflowStep, 0, len(steps))
	for _, st := range steps {
		if seen[st.StepIndex] {
			return fmt.Errorf("%w: step index %d of workflow %s", domain.ErrDuplicateID, st.StepIndex, wf.ID)
		}
		seen[st.StepIndex] = true
		rows = append(rows, copyStep(*st))
	}

	s.workflows[wf.ID] = &workflowRow{seq: s.nextSeq(), wf: copyWorkflow(*wf)}
	s.steps[wf.ID] = rows
	return nil
}

// GetWorkflow returns a copy of the stored workflow
func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	wf := copyWorkflow(row.wf)
	return &wf, nil
}

// ListWorkflows returns matching workflows newest first
func (s *Store) ListWorkflows(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.selectWorkflows(func(wf *domain.Workflow) bool {
		if filter.Status != "" && wf.Status != filter.Status {
			return false
		}
		if filter.UserID != "" && wf.UserID != filter.UserID {
			return false
		}
		if filter.ConversationID != "" && (wf.ConversationID == nil || *wf.ConversationID != filter.ConversationID) {
			return false
		}
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	return s.collect(rows, filter.Limit), nil
}

// ListPendingWorkflows returns PENDING workflows oldest first
func (s *Store) ListPendingWorkflows(ctx context.Context, limit int) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.selectWorkflows(func(wf *domain.Workflow) bool {
		return wf.Status == domain.WorkflowStatusPending
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return s.collect(rows, limit), nil
}

// ListDueForPoll returns WAITING workflows whose next_check_at is not in the future
func (s *Store) ListDueForPoll(ctx context.Context, now time.Time) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.selectWorkflows(func(wf *domain.Workflow) bool {
		return wf.Status == domain.WorkflowStatusWaiting &&
			wf.NextCheckAt != nil && !wf.NextCheckAt.After(now)
	})
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].wf.NextCheckAt, rows[j].wf.NextCheckAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return rows[i].seq < rows[j].seq
	})
	return s.collect(rows, 0), nil
}

func (s *Store) selectWorkflows(match func(*domain.Workflow) bool) []*workflowRow {
	rows := make([]*workflowRow, 0, len(s.workflows))
	for _, row := range s.workflows {
		if match(&row.wf) {
			rows = append(rows, row)
		}
	}
	return rows
}

func (s *Store) collect(rows []*workflowRow, limit int) []*domain.Workflow {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*domain.Workflow, len(rows))
	for i, row := range rows {
		wf := copyWorkflow(row.wf)
		out[i] = &wf
	}
	return out
}

// ClaimWorkflow moves a workflow from the given status to RUNNING
func (s *Store) ClaimWorkflow(ctx context.Context, id string, from domain.WorkflowStatus, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workflows[id]
	if !ok || row.wf.Status != from {
		return domain.ErrAlreadyClaimed
	}
	row.wf.Status = domain.WorkflowStatusRunning
	if row.wf.StartedAt == nil {
		row.wf.StartedAt = &startedAt
	}
	if row.wf.CurrentStep == nil {
		row.wf.CurrentStep = domain.IntPtr(0)
	}
	row.wf.NextCheckAt = nil
	return nil
}

// UpdateWorkflowStatus applies a partial update unless the workflow is terminal
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, update domain.WorkflowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if row.wf.Status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrConflict, id, row.wf.Status)
	}

	wf := &row.wf
	if update.Status != "" {
		wf.Status = update.Status
	}
	if update.Result != nil {
		wf.Result = update.Result.Clone()
	}
	if update.Error != nil {
		wf.Error = copyStringPtr(update.Error)
	}
	if update.StartedAt != nil {
		wf.StartedAt = copyTimePtr(update.StartedAt)
	}
	if update.CompletedAt != nil {
		wf.CompletedAt = copyTimePtr(update.CompletedAt)
	}
	if update.CurrentStep != nil {
		wf.CurrentStep = copyIntPtr(update.CurrentStep)
	}
	if update.NextCheckAt != nil {
		wf.NextCheckAt = copyTimePtr(update.NextCheckAt)
	}
	if update.ClearNextCheck {
		wf.NextCheckAt = nil
	}
	return nil
}

// SaveCheckpoint stores the resumable snapshot
func (s *Store) SaveCheckpoint(ctx context.Context, id string, currentStep int, state domain.Payload, nextCheckAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if row.wf.Status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrConflict, id, row.wf.Status)
	}
	row.wf.CurrentStep = domain.IntPtr(currentStep)
	row.wf.State = state.Clone()
	row.wf.NextCheckAt = copyTimePtr(nextCheckAt)
	return nil
}

// GetSteps returns the steps ordered by step_index
func (s *Store) GetSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	rows := s.steps[workflowID]
	out := make([]*domain.WorkflowStep, len(rows))
	for i := range rows {
		st := copyStep(rows[i])
		out[i] = &st
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// UpdateStep applies a partial update to one step
func (s *Store) UpdateStep(ctx context.Context, workflowID string, stepIndex int, update domain.StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.steps[workflowID]
	for i := range rows {
		if rows[i].StepIndex != stepIndex {
			continue
		}
		if update.Status != "" {
			rows[i].Status = update.Status
		}
		if update.Output != nil {
			rows[i].Output = update.Output.Clone()
		}
		if update.StartedAt != nil {
			rows[i].StartedAt = copyTimePtr(update.StartedAt)
		}
		if update.CompletedAt != nil {
			rows[i].CompletedAt = copyTimePtr(update.CompletedAt)
		}
		return nil
	}
	return fmt.Errorf("step %d of workflow %s: %w", stepIndex, workflowID, domain.ErrNotFound)
}
