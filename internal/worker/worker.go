// Package worker hosts the job runner and the workflow scheduler in one
// long-running process.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 30 * time.Second

// JobRunner is the part of runner.Runner the worker drives
type JobRunner interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	Wake()
	RecoverInterrupted(ctx context.Context) (int, error)
}

// WorkflowEngine is the part of engine.Engine the worker drives
type WorkflowEngine interface {
	Ticker
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Runner          JobRunner
	Engine          WorkflowEngine
	Consumer        Consumer
	PollSchedule    string
	ShutdownTimeout time.Duration
	RecoverOnStart  bool
}

// Worker runs jobs and advances workflows until its context is cancelled
type Worker struct {
	id              string
	logger          *slog.Logger
	jobs            JobRunner
	workflows       WorkflowEngine
	consumer        Consumer
	scheduler       *Scheduler
	shutdownTimeout time.Duration
	recoverOnStart  bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	id := "worker-" + uuid.NewString()
	logger := cfg.Logger.With(slog.String("worker_id", id))

	scheduler, err := NewScheduler(cfg.PollSchedule, cfg.Engine, logger)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	return &Worker{
		id:              id,
		logger:          logger,
		jobs:            cfg.Runner,
		workflows:       cfg.Engine,
		consumer:        cfg.Consumer,
		scheduler:       scheduler,
		shutdownTimeout: timeout,
		recoverOnStart:  cfg.RecoverOnStart,
	}, nil
}

// ID returns the worker's consumer tag
func (w *Worker) ID() string {
	return w.id
}

// Run recovers interrupted work, then serves until ctx is cancelled. On
// return the job in flight and the poll pass in flight have finished, or
// the shutdown timeout has elapsed.
func (w *Worker) Run(ctx context.Context) error {
	if w.recoverOnStart {
		if err := w.recover(ctx); err != nil {
			return err
		}
	}

	var deliveries <-chan amqp.Delivery
	if w.consumer != nil {
		d, err := w.consumer.Consume(w.id)
		if err != nil {
			return fmt.Errorf("failed to start wake-up consumer: %w", err)
		}
		deliveries = d
	}

	w.logger.Info("Starting worker")
	w.jobs.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.scheduler.Run(gctx)
	})
	if deliveries != nil {
		g.Go(func() error {
			return w.consumeWakeups(gctx, deliveries)
		})
	}

	runErr := g.Wait()

	w.logger.Info("Stopping worker...")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.shutdownTimeout)
	defer cancel()

	if err := w.jobs.Stop(stopCtx); err != nil {
		w.logger.Error("Job runner did not stop cleanly",
			slog.String("error", err.Error()),
		)
		if runErr == nil {
			runErr = err
		}
	}

	w.logger.Info("Worker stopped")
	return runErr
}

func (w *Worker) recover(ctx context.Context) error {
	jobs, err := w.jobs.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}

	workflows, err := w.workflows.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted workflows: %w", err)
	}

	if jobs > 0 || workflows > 0 {
		w.logger.Warn("Recovered work interrupted by a previous shutdown",
			slog.Int("jobs_failed", jobs),
			slog.Int("workflows_rescheduled", workflows),
		)
	}
	return nil
}
