// Package postgres implements the storage contracts on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	_ storage.JobStore      = (*Storage)(nil)
	_ storage.WorkflowStore = (*Storage)(nil)
)

// uniqueViolation is the SQLSTATE raised for duplicate keys
const uniqueViolation = "23505"

// Storage handles all database operations for jobs and workflows
type Storage struct {
	db     sqlx.ExtContext
	root   *sqlx.DB
	inTx   bool
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		root:   db,
		logger: logger,
	}
}

// WithinTx runs fn against a Storage bound to one transaction.
// Calls made on a transaction-bound Storage join the outer transaction.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx storage.WorkflowStore) error) error {
	return s.withinTx(ctx, func(tx *Storage) error {
		return fn(tx)
	})
}

// mapError translates driver errors into domain sentinels
func mapError(err error, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, pqErr.Constraint)
	}
	return err
}

// setBuilder accumulates "col = $n" fragments for partial updates
type setBuilder struct {
	sets []string
	args []interface{}
}

func (b *setBuilder) add(column string, value interface{}) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *setBuilder) addRaw(fragment string) {
	b.sets = append(b.sets, fragment)
}

func (b *setBuilder) empty() bool {
	return len(b.sets) == 0
}

func (b *setBuilder) clause() string {
	return strings.Join(b.sets, ", ")
}

// next returns the placeholder index for the following argument
func (b *setBuilder) next(value interface{}) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}
