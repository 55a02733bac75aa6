package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/jmoiron/sqlx"
)

const webhookColumns = `
	id, workflow_id, step_index, webhook_token, external_system,
	status, created_at, consumed_at
`

// RegisterWebhook inserts an active registration
func (s *Storage) RegisterWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	query := `
		INSERT INTO webhook_registrations (
			id, workflow_id, step_index, webhook_token,
			external_system, status, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		reg.ID,
		reg.WorkflowID,
		reg.StepIndex,
		reg.Token,
		reg.ExternalSystem,
		domain.WebhookStatusActive,
		reg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", mapError(err, domain.ErrWebhookNotFound))
	}

	s.logger.Info("Webhook registered",
		slog.String("workflow_id", reg.WorkflowID),
		slog.Int("step_index", reg.StepIndex),
		slog.String("external_system", reg.ExternalSystem),
	)

	return nil
}

// GetWebhookByToken resolves a webhook token to its registration
func (s *Storage) GetWebhookByToken(ctx context.Context, token string) (*domain.WebhookRegistration, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_registrations WHERE webhook_token = $1`

	var reg domain.WebhookRegistration
	if err := sqlx.GetContext(ctx, s.db, &reg, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}

	return &reg, nil
}

// ListWebhooks returns the registrations of one workflow, oldest first
func (s *Storage) ListWebhooks(ctx context.Context, workflowID string) ([]*domain.WebhookRegistration, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_registrations WHERE workflow_id = $1 ORDER BY seq ASC`

	regs := []*domain.WebhookRegistration{}
	if err := sqlx.SelectContext(ctx, s.db, &regs, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	return regs, nil
}

// ConsumeWebhook flips an active registration to consumed.
// It reports false without writing when the registration was already consumed.
func (s *Storage) ConsumeWebhook(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE webhook_registrations
		SET status = $1,
		    consumed_at = NOW()
		WHERE id = $2
		  AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, domain.WebhookStatusConsumed, id, domain.WebhookStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to consume webhook: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	var exists bool
	err = sqlx.GetContext(ctx, s.db, &exists, `SELECT EXISTS (SELECT 1 FROM webhook_registrations WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook: %w", err)
	}
	if !exists {
		return false, domain.ErrWebhookNotFound
	}

	return false, nil
}
