package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the root of every "unknown id" error
	ErrNotFound = errors.New("not found")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)

	// ErrWorkflowNotFound is returned when a workflow cannot be found
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", ErrNotFound)

	// ErrWebhookNotFound is returned when a webhook token resolves to nothing
	ErrWebhookNotFound = fmt.Errorf("webhook registration %w", ErrNotFound)

	// ErrConflict is returned when mutating an entity whose state forbids it,
	// e.g. cancelling or updating an already terminal job
	ErrConflict = errors.New("conflicting state transition")

	// ErrDuplicateID is returned when creating an entity whose id already exists
	ErrDuplicateID = errors.New("duplicate id")

	// ErrUnregisteredType is returned when no handler exists for a job or workflow type
	ErrUnregisteredType = errors.New("no handler registered for type")

	// ErrAlreadyClaimed is returned when a conditional claim finds the row no longer in the expected status
	ErrAlreadyClaimed = errors.New("already claimed or no longer in expected status")
)

// SubmissionError is returned synchronously to a submitter before anything is persisted
type SubmissionError struct {
	Kind string // "job" or "workflow"
	Type string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("cannot submit %s of type %q: %v", e.Kind, e.Type, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// NewSubmissionError creates a SubmissionError for an unregistered type
func NewSubmissionError(kind, typ string) error {
	return &SubmissionError{Kind: kind, Type: typ, Err: ErrUnregisteredType}
}

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// IsNotFound reports whether err is any of the not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
