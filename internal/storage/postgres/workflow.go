package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/jmoiron/sqlx"
)

const workflowColumns = `
	id, user_id, conversation_id, workflow_type, status, state, current_step,
	result, error, created_at, started_at, completed_at, next_check_at
`

const stepColumns = `
	id, workflow_id, step_index, step_type, description, status,
	output, started_at, completed_at
`

// CreateWorkflow inserts the workflow and its steps in one transaction
func (s *Storage) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	return s.withinTx(ctx, func(tx *Storage) error {
		query := `
			INSERT INTO workflows (
				id, user_id, conversation_id, workflow_type, status,
				state, current_step, created_at, next_check_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9
			)
		`
		_, err := tx.db.ExecContext(ctx, query,
			wf.ID,
			wf.UserID,
			wf.ConversationID,
			wf.WorkflowType,
			wf.Status,
			wf.State,
			wf.CurrentStep,
			wf.CreatedAt,
			wf.NextCheckAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create workflow: %w", mapError(err, domain.ErrWorkflowNotFound))
		}

		stepQuery := `
			INSERT INTO workflow_steps (
				id, workflow_id, step_index, step_type, description, status
			) VALUES (
				:id, :workflow_id, :step_index, :step_type, :description, :status
			)
		`
		for _, st := range steps {
			if _, err := sqlx.NamedExecContext(ctx, tx.db, stepQuery, st); err != nil {
				return fmt.Errorf("failed to create workflow step %d: %w", st.StepIndex, mapError(err, domain.ErrWorkflowNotFound))
			}
		}
		return nil
	})
}

// withinTx is WithinTx for callers inside this package that need the concrete type
func (s *Storage) withinTx(ctx context.Context, fn func(tx *Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Storage{db: tx, root: s.root, inTx: true, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction",
				slog.Any("error", rbErr),
			)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by its ID. Inside a transaction the row is locked.
func (s *Storage) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	if s.inTx {
		query += ` FOR UPDATE`
	}

	var wf domain.Workflow
	if err := sqlx.GetContext(ctx, s.db, &wf, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return &wf, nil
}

// ListWorkflows returns workflows ordered by created_at DESC
func (s *Storage) ListWorkflows(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.ConversationID != "" {
		query += fmt.Sprintf(" AND conversation_id = $%d", argIdx)
		args = append(args, filter.ConversationID)
		argIdx++
	}

	query += " ORDER BY created_at DESC, seq DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	workflows := []*domain.Workflow{}
	if err := sqlx.SelectContext(ctx, s.db, &workflows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// ListPendingWorkflows returns PENDING workflows in submission order
func (s *Storage) ListPendingWorkflows(ctx context.Context, limit int) ([]*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status = $1 ORDER BY seq ASC`
	args := []interface{}{domain.WorkflowStatusPending}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	workflows := []*domain.Workflow{}
	if err := sqlx.SelectContext(ctx, s.db, &workflows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending workflows: %w", err)
	}

	return workflows, nil
}

// ListDueForPoll returns WAITING workflows whose next_check_at is at or before now
func (s *Storage) ListDueForPoll(ctx context.Context, now time.Time) ([]*domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status = $1
		  AND next_check_at IS NOT NULL
		  AND next_check_at <= $2
		ORDER BY next_check_at ASC, seq ASC
	`

	workflows := []*domain.Workflow{}
	if err := sqlx.SelectContext(ctx, s.db, &workflows, query, domain.WorkflowStatusWaiting, now); err != nil {
		return nil, fmt.Errorf("failed to list workflows due for poll: %w", err)
	}

	return workflows, nil
}

// ClaimWorkflow moves a workflow from the given status to RUNNING
func (s *Storage) ClaimWorkflow(ctx context.Context, id string, from domain.WorkflowStatus, startedAt time.Time) error {
	query := `
		UPDATE workflows
		SET status = $1,
		    started_at = COALESCE(started_at, $2),
		    current_step = COALESCE(current_step, 0),
		    next_check_at = NULL
		WHERE id = $3
		  AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.WorkflowStatusRunning, startedAt, id, from)
	if err != nil {
		return fmt.Errorf("failed to claim workflow: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim workflow - status changed",
			slog.String("workflow_id", id),
			slog.String("expected_status", string(from)),
		)
		return domain.ErrAlreadyClaimed
	}

	return nil
}

// UpdateWorkflowStatus applies the non-nil fields of update to a non-terminal workflow
func (s *Storage) UpdateWorkflowStatus(ctx context.Context, id string, update domain.WorkflowUpdate) error {
	b := &setBuilder{}
	if update.Status != "" {
		b.add("status", update.Status)
	}
	if update.Result != nil {
		b.add("result", update.Result)
	}
	if update.Error != nil {
		b.add("error", *update.Error)
	}
	if update.StartedAt != nil {
		b.add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		b.add("completed_at", *update.CompletedAt)
	}
	if update.CurrentStep != nil {
		b.add("current_step", *update.CurrentStep)
	}
	if update.NextCheckAt != nil {
		b.add("next_check_at", *update.NextCheckAt)
	}
	if update.ClearNextCheck {
		b.addRaw("next_check_at = NULL")
	}
	if b.empty() {
		return nil
	}

	return s.execWorkflowUpdate(ctx, id, b)
}

// SaveCheckpoint persists current_step, state and next_check_at in one statement
func (s *Storage) SaveCheckpoint(ctx context.Context, id string, currentStep int, state domain.Payload, nextCheckAt *time.Time) error {
	b := &setBuilder{}
	b.add("current_step", currentStep)
	b.add("state", state)
	b.add("next_check_at", nextCheckAt)
	return s.execWorkflowUpdate(ctx, id, b)
}

func (s *Storage) execWorkflowUpdate(ctx context.Context, id string, b *setBuilder) error {
	query := fmt.Sprintf(
		`UPDATE workflows SET %s WHERE id = %s AND status NOT IN (%s, %s, %s)`,
		b.clause(),
		b.next(id),
		b.next(domain.WorkflowStatusCompleted),
		b.next(domain.WorkflowStatusFailed),
		b.next(domain.WorkflowStatusCancelled),
	)

	res, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status domain.WorkflowStatus
	err = sqlx.GetContext(ctx, s.db, &status, `SELECT status FROM workflows WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrWorkflowNotFound
		}
		return fmt.Errorf("failed to get workflow status: %w", err)
	}
	return fmt.Errorf("%w: workflow %s is %s", domain.ErrConflict, id, status)
}

// GetSteps returns the steps of a workflow ordered by step_index
func (s *Storage) GetSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.db, &exists, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow: %w", err)
	}
	if !exists {
		return nil, domain.ErrWorkflowNotFound
	}

	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_index ASC`

	steps := []*domain.WorkflowStep{}
	if err := sqlx.SelectContext(ctx, s.db, &steps, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to get workflow steps: %w", err)
	}

	return steps, nil
}

// UpdateStep applies the non-nil fields of update to one step
func (s *Storage) UpdateStep(ctx context.Context, workflowID string, stepIndex int, update domain.StepUpdate) error {
	b := &setBuilder{}
	if update.Status != "" {
		b.add("status", update.Status)
	}
	if update.Output != nil {
		b.add("output", update.Output)
	}
	if update.StartedAt != nil {
		b.add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		b.add("completed_at", *update.CompletedAt)
	}
	if b.empty() {
		return nil
	}

	query := fmt.Sprintf(
		`UPDATE workflow_steps SET %s WHERE workflow_id = %s AND step_index = %s`,
		b.clause(),
		b.next(workflowID),
		b.next(stepIndex),
	)

	res, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("step %d of workflow %s: %w", stepIndex, workflowID, domain.ErrNotFound)
	}

	return nil
}
