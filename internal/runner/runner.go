// Package runner executes jobs one at a time in submission order.
//
// The store is the source of truth: the pending set is a query over
// persisted rows, and the in-memory wake channel only shortens the wait
// between a submission and its dispatch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

const defaultPollInterval = 5 * time.Second

// Config holds runner configuration
type Config struct {
	Store        storage.JobStore
	Sink         domain.EventSink
	Logger       *slog.Logger
	PollInterval time.Duration
	Now          func() time.Time
}

// Runner owns the job handler registry and the single dispatch loop
type Runner struct {
	store        storage.JobStore
	sink         domain.EventSink
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	// execMu makes the dispatch loop and Drain mutually exclusive
	execMu   sync.Mutex
	progress *progressReporter

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	running bool
}

// New creates a Runner. It does not start dispatching until Start is called.
func New(cfg *Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	r := &Runner{
		store:        cfg.Store,
		sink:         cfg.Sink,
		logger:       logger,
		pollInterval: interval,
		now:          now,
		handlers:     make(map[string]Handler),
		wake:         make(chan struct{}, 1),
	}
	r.progress = &progressReporter{r: r}
	return r
}

// Register binds a handler to a job type, replacing any previous one
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Registered reports whether a handler exists for jobType
func (r *Runner) Registered(jobType string) bool {
	_, ok := r.handler(jobType)
	return ok
}

// Types returns the registered job types in lexical order
func (r *Runner) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Submit persists a new PENDING job. It fails with a *domain.SubmissionError,
// before anything is written, when jobType has no handler.
func (r *Runner) Submit(ctx context.Context, jobType string, payload domain.Payload) (*domain.Job, error) {
	if !r.Registered(jobType) {
		return nil, domain.NewSubmissionError("job", jobType)
	}
	if payload == nil {
		payload = domain.Payload{}
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Status:    domain.JobStatusPending,
		Payload:   payload.Clone(),
		CreatedAt: r.now(),
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	r.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
	)

	r.Wake()
	return job, nil
}

// Get returns a job by id
func (r *Runner) Get(ctx context.Context, id string) (*domain.Job, error) {
	return r.store.GetJob(ctx, id)
}

// List returns jobs newest first
func (r *Runner) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return r.store.ListJobs(ctx, filter)
}

// Cancel moves a PENDING or RUNNING job to CANCELLED. A running handler is
// not interrupted; its outcome is discarded.
func (r *Runner) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, job.Status)
	}

	now := r.now()
	if err := r.store.UpdateJobStatus(ctx, id, domain.JobUpdate{
		Status:      domain.JobStatusCancelled,
		CompletedAt: &now,
	}); err != nil {
		return nil, err
	}

	r.logger.Info("Job cancelled",
		slog.String("job_id", id),
		slog.String("previous_status", string(job.Status)),
	)
	r.publish(ctx, domain.Event{
		Kind:   domain.EventJobCancelled,
		JobID:  id,
		Status: string(domain.JobStatusCancelled),
	})

	return r.store.GetJob(ctx, id)
}

// Wake asks the dispatch loop to look for pending jobs now. It never blocks.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop. Calling Start on a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	r.logger.Info("Starting job runner",
		slog.Duration("poll_interval", r.pollInterval),
		slog.Any("job_types", r.Types()),
	)

	go r.loop(loopCtx, r.done)
}

// Stop ends the dispatch loop and waits for the job in flight, if any, to
// finish. Calling Stop on a stopped Runner is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if !r.running {
		return nil
	}

	r.logger.Info("Stopping job runner...")
	r.cancel()

	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("job runner did not stop in time: %w", ctx.Err())
	}

	r.running = false
	r.logger.Info("Job runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Dispatch cycle failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// Drain executes pending jobs in submission order until none remain or ctx
// is cancelled, and returns how many it dispatched. Store failures abort the
// current cycle only.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	dispatched := 0
	for ctx.Err() == nil {
		job, err := r.store.NextPendingJob(ctx)
		if err != nil {
			return dispatched, fmt.Errorf("failed to fetch next pending job: %w", err)
		}
		if job == nil {
			return dispatched, nil
		}

		ran, err := r.dispatch(ctx, job)
		if err != nil {
			return dispatched, err
		}
		if ran {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch claims and executes one job. It reports false when the job was
// no longer PENDING at claim time.
func (r *Runner) dispatch(ctx context.Context, pending *domain.Job) (bool, error) {
	job, err := r.store.ClaimJob(ctx, pending.ID, r.now())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			r.logger.Info("Job no longer pending, skipping",
				slog.String("job_id", pending.ID),
			)
			return false, nil
		}
		return false, fmt.Errorf("failed to claim job %s: %w", pending.ID, err)
	}

	// The claimed job finishes even if the loop is asked to stop.
	execCtx := context.WithoutCancel(ctx)

	r.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
	)
	r.publish(execCtx, domain.Event{
		Kind:   domain.EventJobStarted,
		JobID:  job.ID,
		Status: string(domain.JobStatusRunning),
	})

	h, ok := r.handler(job.JobType)
	if !ok {
		r.fail(execCtx, job, fmt.Errorf("no handler registered for job type %q", job.JobType))
		return true, nil
	}

	r.progress.begin(job.ID, job.ProgressPct)
	result, execErr := r.execute(execCtx, h, job)
	r.progress.end()

	if execErr != nil {
		r.fail(execCtx, job, execErr)
		return true, nil
	}
	r.complete(execCtx, job, result)
	return true, nil
}

// execute calls the handler and turns a panic into a *domain.PanicError
func (r *Runner) execute(ctx context.Context, h Handler, job *domain.Job) (result domain.Payload, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &domain.PanicError{Value: v}
		}
	}()
	return h.Execute(ctx, job.ID, job.Payload.Clone(), r.progress)
}

func (r *Runner) complete(ctx context.Context, job *domain.Job, result domain.Payload) {
	if result == nil {
		result = domain.Payload{}
	}
	now := r.now()
	err := r.store.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
		Status:      domain.JobStatusCompleted,
		Result:      result,
		ProgressPct: domain.IntPtr(100),
		CompletedAt: &now,
	})
	if err != nil {
		r.logTerminalUpdateError(job, domain.JobStatusCompleted, err)
		return
	}

	r.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
	)
	r.publish(ctx, domain.Event{
		Kind:        domain.EventJobCompleted,
		JobID:       job.ID,
		Status:      string(domain.JobStatusCompleted),
		ProgressPct: domain.IntPtr(100),
	})
}

func (r *Runner) fail(ctx context.Context, job *domain.Job, cause error) {
	msg := cause.Error()
	now := r.now()
	err := r.store.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
		Status:      domain.JobStatusFailed,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		r.logTerminalUpdateError(job, domain.JobStatusFailed, err)
		return
	}

	r.logger.Error("Job execution failed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.String("error", msg),
	)
	r.publish(ctx, domain.Event{
		Kind:   domain.EventJobFailed,
		JobID:  job.ID,
		Status: string(domain.JobStatusFailed),
		Error:  msg,
	})
}

func (r *Runner) logTerminalUpdateError(job *domain.Job, status domain.JobStatus, err error) {
	if errors.Is(err, domain.ErrConflict) {
		r.logger.Warn("Job reached a terminal state during execution, outcome discarded",
			slog.String("job_id", job.ID),
			slog.String("discarded_status", string(status)),
		)
		return
	}
	r.logger.Error("Failed to update job status",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
}

// RecoverInterrupted fails every job left RUNNING by a previous process.
// It must run before Start.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := r.store.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		msg := "interrupted before completion"
		now := r.now()
		err := r.store.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
			Status:      domain.JobStatusFailed,
			Error:       &msg,
			CompletedAt: &now,
		})
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return recovered, fmt.Errorf("failed to recover job %s: %w", job.ID, err)
		}
		recovered++
		r.logger.Warn("Recovered interrupted job",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.JobType),
		)
		r.publish(ctx, domain.Event{
			Kind:   domain.EventJobFailed,
			JobID:  job.ID,
			Status: string(domain.JobStatusFailed),
			Error:  msg,
		})
	}
	return recovered, nil
}

func (r *Runner) publish(ctx context.Context, event domain.Event) {
	if r.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	r.sink.Publish(ctx, event)
}
