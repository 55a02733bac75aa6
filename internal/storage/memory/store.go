// Package memory provides in-process implementations of the storage contracts.
// It is used by tests and by single-process tooling; state is lost on exit.
//
// WithinTx serializes transactions against each other only. Writes made
// outside a transaction are not blocked, and a failed transaction restores
// its snapshot over them, so callers must not mix the two concurrently.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

var (
	_ storage.JobStore      = (*Store)(nil)
	_ storage.WorkflowStore = (*Store)(nil)
)

type jobRow struct {
	seq int64
	job domain.Job
}

type workflowRow struct {
	seq int64
	wf  domain.Workflow
}

// Store keeps every entity in maps guarded by one mutex
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	seq  int64

	jobs      map[string]*jobRow
	workflows map[string]*workflowRow
	steps     map[string][]domain.WorkflowStep
	webhooks  map[string]*domain.WebhookRegistration
	tokens    map[string]string
	hookSeq   map[string]int64

	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for timestamps the store assigns itself
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*jobRow),
		workflows: make(map[string]*workflowRow),
		steps:     make(map[string][]domain.WorkflowStep),
		webhooks:  make(map[string]*domain.WebhookRegistration),
		tokens:    make(map[string]string),
		hookSeq:   make(map[string]int64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

type snapshot struct {
	seq       int64
	workflows map[string]workflowRow
	steps     map[string][]domain.WorkflowStep
	webhooks  map[string]domain.WebhookRegistration
	tokens    map[string]string
	hookSeq   map[string]int64
}

func (s *Store) takeSnapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		seq:       s.seq,
		workflows: make(map[string]workflowRow, len(s.workflows)),
		steps:     make(map[string][]domain.WorkflowStep, len(s.steps)),
		webhooks:  make(map[string]domain.WebhookRegistration, len(s.webhooks)),
		tokens:    make(map[string]string, len(s.tokens)),
		hookSeq:   make(map[string]int64, len(s.hookSeq)),
	}
	for id, row := range s.workflows {
		snap.workflows[id] = workflowRow{seq: row.seq, wf: copyWorkflow(row.wf)}
	}
	for id, steps := range s.steps {
		cp := make([]domain.WorkflowStep, len(steps))
		for i := range steps {
			cp[i] = copyStep(steps[i])
		}
		snap.steps[id] = cp
	}
	for id, reg := range s.webhooks {
		snap.webhooks[id] = *reg
	}
	for k, v := range s.tokens {
		snap.tokens[k] = v
	}
	for k, v := range s.hookSeq {
		snap.hookSeq[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq = snap.seq
	s.workflows = make(map[string]*workflowRow, len(snap.workflows))
	for id, row := range snap.workflows {
		r := row
		s.workflows[id] = &r
	}
	s.steps = snap.steps
	s.webhooks = make(map[string]*domain.WebhookRegistration, len(snap.webhooks))
	for id, reg := range snap.webhooks {
		r := reg
		s.webhooks[id] = &r
	}
	s.tokens = snap.tokens
	s.hookSeq = snap.hookSeq
}

// WithinTx serializes transactions and restores the workflow tables when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.WorkflowStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.takeSnapshot()
	if err := fn(txStore{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// txStore is handed to WithinTx callbacks; nested transactions join the outer one.
type txStore struct {
	*Store
}

func (t txStore) WithinTx(ctx context.Context, fn func(tx storage.WorkflowStore) error) error {
	return fn(t)
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func copyJob(j domain.Job) domain.Job {
	j.Payload = j.Payload.Clone()
	j.Result = j.Result.Clone()
	j.Error = copyStringPtr(j.Error)
	j.StartedAt = copyTimePtr(j.StartedAt)
	j.CompletedAt = copyTimePtr(j.CompletedAt)
	return j
}

func copyWorkflow(w domain.Workflow) domain.Workflow {
	w.ConversationID = copyStringPtr(w.ConversationID)
	w.State = w.State.Clone()
	w.CurrentStep = copyIntPtr(w.CurrentStep)
	w.Result = w.Result.Clone()
	w.Error = copyStringPtr(w.Error)
	w.StartedAt = copyTimePtr(w.StartedAt)
	w.CompletedAt = copyTimePtr(w.CompletedAt)
	w.NextCheckAt = copyTimePtr(w.NextCheckAt)
	return w
}

func copyStep(st domain.WorkflowStep) domain.WorkflowStep {
	st.Output = st.Output.Clone()
	st.StartedAt = copyTimePtr(st.StartedAt)
	st.CompletedAt = copyTimePtr(st.CompletedAt)
	return st
}
