package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables and indexes when they do not exist yet
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.root.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema is up to date")
	return nil
}
