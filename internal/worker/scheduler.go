package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/internal/engine"
)

// Ticker runs one workflow poll pass
type Ticker interface {
	Tick(ctx context.Context) (engine.PassResult, error)
}

// Scheduler turns cron firings and wake-up hints into poll passes. Passes
// run one at a time on the goroutine that called Run; triggers arriving
// during a pass coalesce into a single follow-up pass.
type Scheduler struct {
	cron    *cron.Cron
	ticker  Ticker
	trigger chan struct{}
	logger  *slog.Logger
}

// NewScheduler parses spec with config.PollScheduleParser
func NewScheduler(spec string, ticker Ticker, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		ticker:  ticker,
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}

	s.cron = cron.New(
		cron.WithParser(config.PollScheduleParser),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
	)
	if _, err := s.cron.AddFunc(spec, s.Trigger); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}

	return s, nil
}

// Trigger requests a pass as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run starts the cron clock and executes passes until ctx is cancelled.
// It returns after the pass in flight, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	s.logger.Info("Workflow scheduler started")
	s.Trigger()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Workflow scheduler stopped")
			return nil
		case <-s.trigger:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	res, err := s.ticker.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Workflow poll pass failed",
			slog.String("error", err.Error()),
		)
		return
	}

	if res.Skipped {
		s.logger.Debug("Workflow poll pass skipped, previous pass still running")
		return
	}

	if res.Started > 0 || res.Resumed > 0 {
		s.logger.Info("Workflow poll pass finished",
			slog.Int("started", res.Started),
			slog.Int("resumed", res.Resumed),
		)
	}
}
