package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobflow/internal/engine"
	"github.com/cuongbtq/jobflow/internal/wakeup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	started    atomic.Bool
	stopped    atomic.Bool
	wakes      atomic.Int32
	recovered  atomic.Int32
	recoverErr error
}

func (r *fakeRunner) Start(context.Context) { r.started.Store(true) }

func (r *fakeRunner) Stop(context.Context) error {
	r.stopped.Store(true)
	return nil
}

func (r *fakeRunner) Wake() { r.wakes.Add(1) }

func (r *fakeRunner) RecoverInterrupted(context.Context) (int, error) {
	r.recovered.Add(1)
	return 0, r.recoverErr
}

type fakeEngine struct {
	ticks     atomic.Int32
	recovered atomic.Int32
	block     chan struct{}
}

func (e *fakeEngine) Tick(context.Context) (engine.PassResult, error) {
	e.ticks.Add(1)
	if e.block != nil {
		<-e.block
	}
	return engine.PassResult{}, nil
}

func (e *fakeEngine) RecoverInterrupted(context.Context) (int, error) {
	e.recovered.Add(1)
	return 1, nil
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type fakeConsumer struct {
	ch chan amqp.Delivery
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.ch, nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, kind wakeup.Kind) amqp.Delivery {
	t.Helper()
	body, err := wakeup.Message{Kind: kind, ID: uuid.NewString()}.Encode()
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func TestNewWorker_InvalidSchedule(t *testing.T) {
	_, err := NewWorker(&Config{
		Logger:       testLogger(),
		Runner:       &fakeRunner{},
		Engine:       &fakeEngine{},
		PollSchedule: "whenever",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid poll schedule")
}

func TestWorker_RunDispatchesWakeups(t *testing.T) {
	jobs := &fakeRunner{}
	workflows := &fakeEngine{}
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery, 4)}

	w, err := NewWorker(&Config{
		Logger:         testLogger(),
		Runner:         jobs,
		Engine:         workflows,
		Consumer:       consumer,
		PollSchedule:   "@every 1h",
		RecoverOnStart: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the scheduler runs one pass at startup
	require.Eventually(t, func() bool { return workflows.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	ack := &fakeAcknowledger{}
	consumer.ch <- delivery(t, ack, wakeup.KindJob)
	consumer.ch <- delivery(t, ack, wakeup.KindWorkflow)
	consumer.ch <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"kind":"job","id":"nope"}`)}

	require.Eventually(t, func() bool {
		acks, nacks := ack.counts()
		return acks == 2 && nacks == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), jobs.wakes.Load())
	require.Eventually(t, func() bool { return workflows.ticks.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.True(t, jobs.started.Load())
	assert.True(t, jobs.stopped.Load())
	assert.Equal(t, int32(1), jobs.recovered.Load())
	assert.Equal(t, int32(1), workflows.recovered.Load())
}

func TestWorker_RecoveryFailureAbortsRun(t *testing.T) {
	jobs := &fakeRunner{recoverErr: errors.New("db down")}

	w, err := NewWorker(&Config{
		Logger:         testLogger(),
		Runner:         jobs,
		Engine:         &fakeEngine{},
		PollSchedule:   "@every 1h",
		RecoverOnStart: true,
	})
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to recover interrupted jobs")
	assert.False(t, jobs.started.Load())
}

func TestWorker_ClosedWakeupStreamKeepsSweeping(t *testing.T) {
	workflows := &fakeEngine{}
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery)}
	close(consumer.ch)

	w, err := NewWorker(&Config{
		Logger:       testLogger(),
		Runner:       &fakeRunner{},
		Engine:       workflows,
		Consumer:     consumer,
		PollSchedule: "@every 1h",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return workflows.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.scheduler.Trigger()
	require.Eventually(t, func() bool { return workflows.ticks.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	workflows := &fakeEngine{block: make(chan struct{})}

	s, err := NewScheduler("@every 1h", workflows, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// first pass is blocked; three more triggers collapse into one pass
	require.Eventually(t, func() bool { return workflows.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Trigger()
	s.Trigger()
	s.Trigger()

	workflows.block <- struct{}{}
	require.Eventually(t, func() bool { return workflows.ticks.Load() == 2 }, time.Second, 5*time.Millisecond)
	workflows.block <- struct{}{}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), workflows.ticks.Load())
}
