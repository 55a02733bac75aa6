package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
	"github.com/cuongbtq/jobflow/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	engine *engine.Engine
	store  *memory.Store
	sink   *recordingSink
	clock  *fakeClock
}

func newFixture(t *testing.T, defs ...engine.Definition) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		sink:  &recordingSink{},
		clock: &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.engine = engine.New(&engine.Config{
		Store: f.store,
		Sink:  f.sink,
		Now:   f.clock.Now,
	})
	for _, d := range defs {
		require.NoError(t, f.engine.Define(d))
	}
	return f
}

func (f *fixture) submit(t *testing.T, workflowType string, input domain.Payload) *domain.Workflow {
	t.Helper()
	wf, err := f.engine.Submit(context.Background(), engine.StartRequest{
		WorkflowType: workflowType,
		UserID:       "user-1",
		Input:        input,
	})
	require.NoError(t, err)
	return wf
}

func (f *fixture) get(t *testing.T, id string) *domain.Workflow {
	t.Helper()
	wf, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func (f *fixture) steps(t *testing.T, id string) []*domain.WorkflowStep {
	t.Helper()
	steps, err := f.engine.Steps(context.Background(), id)
	require.NoError(t, err)
	return steps
}

func doneWith(output domain.Payload) engine.StepFunc {
	return func(context.Context, *engine.StepContext) (engine.StepResult, error) {
		return engine.Done(output), nil
	}
}

func TestSubmit_UnregisteredType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.engine.Submit(ctx, engine.StartRequest{WorkflowType: "missing"})
	assert.Nil(t, wf)
	assert.ErrorIs(t, err, domain.ErrUnregisteredType)

	var subErr *domain.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "workflow", subErr.Kind)

	all, err := f.engine.List(ctx, domain.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDefine_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		def  engine.Definition
	}{
		{"missing type", engine.Definition{Steps: []engine.StepDefinition{{Type: "a", Handler: doneWith(nil)}}}},
		{"no steps", engine.Definition{Type: "wf"}},
		{"step without type", engine.Definition{Type: "wf", Steps: []engine.StepDefinition{{Handler: doneWith(nil)}}}},
		{"step without handler", engine.Definition{Type: "wf", Steps: []engine.StepDefinition{{Type: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, f.engine.Define(tt.def))
		})
	}
}

func TestTick_RunsStepsInOrderAndAggregatesResult(t *testing.T) {
	f := newFixture(t, engine.Definition{
		Type: "linear",
		Steps: []engine.StepDefinition{
			{Type: "first", Handler: engine.StepFunc(func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				assert.Equal(t, engine.TriggerStart, sc.Trigger)
				sc.State["seen"] = "first"
				return engine.Done(domain.Payload{"a": float64(1)}), nil
			})},
			{Type: "second", Handler: engine.StepFunc(func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				assert.Equal(t, "first", sc.State["seen"])
				return engine.Done(domain.Payload{"b": float64(2)}), nil
			})},
		},
	})
	ctx := context.Background()
	wf := f.submit(t, "linear", domain.Payload{"input": "x"})

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Started)

	got := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CurrentStep)
	assert.Equal(t, 2, *got.CurrentStep)
	assert.Equal(t, domain.Payload{
		"steps": []any{map[string]any{"a": float64(1)}, map[string]any{"b": float64(2)}},
		"state": map[string]any{"input": "x", "seen": "first"},
	}, got.Result)

	for _, st := range f.steps(t, wf.ID) {
		assert.Equal(t, domain.StepStatusCompleted, st.Status)
		assert.NotNil(t, st.CompletedAt)
	}

	assert.Equal(t, []domain.EventKind{
		domain.EventWorkflowStarted,
		domain.EventWorkflowStepStarted,
		domain.EventWorkflowStepCompleted,
		domain.EventWorkflowStepStarted,
		domain.EventWorkflowStepCompleted,
		domain.EventWorkflowCompleted,
	}, f.sink.kinds())
}

func TestTick_WaitUntilResumesWhenDue(t *testing.T) {
	var triggers []engine.Trigger
	f := newFixture(t)
	require.NoError(t, f.engine.Define(engine.Definition{
		Type: "timed",
		Steps: []engine.StepDefinition{
			{Type: "wait", Handler: engine.StepFunc(func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				triggers = append(triggers, sc.Trigger)
				if sc.Trigger == engine.TriggerStart {
					return engine.WaitUntil(f.clock.Now().Add(time.Minute)), nil
				}
				return engine.Done(domain.Payload{"waited": true}), nil
			})},
		},
	}))
	ctx := context.Background()
	wf := f.submit(t, "timed", nil)

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	got := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusWaiting, got.Status)
	require.NotNil(t, got.NextCheckAt)
	assert.True(t, got.NextCheckAt.Equal(f.clock.Now().Add(time.Minute)))

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)
	assert.Equal(t, domain.WorkflowStatusWaiting, f.get(t, wf.ID).Status)

	f.clock.Advance(2 * time.Minute)
	res, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)

	got = f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Nil(t, got.NextCheckAt)
	assert.Equal(t, []engine.Trigger{engine.TriggerStart, engine.TriggerPoll}, triggers)
}

func approvalDefinition(executions *int, token *string) engine.Definition {
	return engine.Definition{
		Type: "approval",
		Steps: []engine.StepDefinition{
			{Type: "request", Handler: engine.StepFunc(func(ctx context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				*executions++
				if sc.Trigger == engine.TriggerWebhook {
					sc.State["decision"] = sc.Delivery["decision"]
					return engine.Done(sc.Delivery), nil
				}
				tok, err := sc.RegisterWebhook(ctx, "crm")
				if err != nil {
					return engine.StepResult{}, err
				}
				*token = tok
				return engine.WaitForWebhook(0), nil
			})},
			{Type: "finalize", Handler: engine.StepFunc(func(_ context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				return engine.Done(domain.Payload{"decision": sc.State["decision"]}), nil
			})},
		},
	}
}

func TestDeliverWebhook_ResumesOnceAndIgnoresDuplicates(t *testing.T) {
	var executions int
	var token string
	f := newFixture(t, approvalDefinition(&executions, &token))
	ctx := context.Background()
	wf := f.submit(t, "approval", nil)

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	waiting := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusWaiting, waiting.Status)
	assert.Nil(t, waiting.NextCheckAt)

	hooks, err := f.engine.Webhooks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, domain.WebhookStatusActive, hooks[0].Status)

	delivery, err := f.engine.DeliverWebhook(ctx, token, domain.Payload{"decision": "approved"})
	require.NoError(t, err)
	assert.False(t, delivery.Duplicate)
	assert.Equal(t, wf.ID, delivery.WorkflowID)
	assert.Equal(t, 0, delivery.StepIndex)

	again, err := f.engine.DeliverWebhook(ctx, token, domain.Payload{"decision": "rejected"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	due := f.get(t, wf.ID)
	require.NotNil(t, due.NextCheckAt)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)

	got := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 2, executions)
	assert.NotContains(t, got.State, "_webhook_deliveries")

	steps := f.steps(t, wf.ID)
	assert.Equal(t, domain.Payload{"decision": "approved"}, steps[0].Output)
	assert.Equal(t, domain.Payload{"decision": "approved"}, steps[1].Output)

	hooks, err = f.engine.Webhooks(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusConsumed, hooks[0].Status)

	third, err := f.engine.DeliverWebhook(ctx, token, nil)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
}

func TestDeliverWebhook_Errors(t *testing.T) {
	var executions int
	var token string
	f := newFixture(t, approvalDefinition(&executions, &token))
	ctx := context.Background()

	_, err := f.engine.DeliverWebhook(ctx, "unknown", nil)
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)

	wf := f.submit(t, "approval", nil)
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, wf.ID)
	require.NoError(t, err)

	_, err = f.engine.DeliverWebhook(ctx, token, domain.Payload{"decision": "late"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	hooks, err := f.engine.Webhooks(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusActive, hooks[0].Status, "rejected delivery must not consume the token")
}

func TestWaitForWebhook_SafetyNetSchedulesPoll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Define(engine.Definition{
		Type: "net",
		Steps: []engine.StepDefinition{
			{Type: "wait", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				return engine.WaitForWebhook(10 * time.Minute), nil
			})},
		},
	}))
	wf := f.submit(t, "net", nil)

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	got := f.get(t, wf.ID)
	require.NotNil(t, got.NextCheckAt)
	assert.True(t, got.NextCheckAt.Equal(f.clock.Now().Add(10*time.Minute)))
}

func TestDeliverWebhook_PayloadIsHandedOverOnce(t *testing.T) {
	var triggers []engine.Trigger
	f := newFixture(t, engine.Definition{
		Type: "rewait",
		Steps: []engine.StepDefinition{
			{Type: "listen", Handler: engine.StepFunc(func(ctx context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				triggers = append(triggers, sc.Trigger)
				if sc.Trigger == engine.TriggerStart {
					if _, err := sc.RegisterWebhook(ctx, "crm"); err != nil {
						return engine.StepResult{}, err
					}
				}
				return engine.WaitForWebhook(time.Minute), nil
			})},
		},
	})
	ctx := context.Background()
	wf := f.submit(t, "rewait", nil)

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	hooks, err := f.engine.Webhooks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)

	_, err = f.engine.DeliverWebhook(ctx, hooks[0].Token, domain.Payload{"n": 1})
	require.NoError(t, err)

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)

	waiting := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusWaiting, waiting.Status)
	assert.NotContains(t, waiting.State, "_webhook_deliveries")

	f.clock.Advance(2 * time.Minute)
	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)

	assert.Equal(t, []engine.Trigger{engine.TriggerStart, engine.TriggerWebhook, engine.TriggerPoll}, triggers)
}

type flakyClaimStore struct {
	*memory.Store
	failID string
}

func (s *flakyClaimStore) ClaimWorkflow(ctx context.Context, id string, from domain.WorkflowStatus, startedAt time.Time) error {
	if id == s.failID {
		return errors.New("connection reset")
	}
	return s.Store.ClaimWorkflow(ctx, id, from, startedAt)
}

func TestTick_ClaimErrorSkipsOnlyThatWorkflow(t *testing.T) {
	f := newFixture(t, engine.Definition{
		Type:  "quick",
		Steps: []engine.StepDefinition{{Type: "only", Handler: doneWith(nil)}},
	})
	ctx := context.Background()
	broken := f.submit(t, "quick", nil)
	healthy := f.submit(t, "quick", nil)

	flaky := engine.New(&engine.Config{
		Store: &flakyClaimStore{Store: f.store, failID: broken.ID},
		Now:   f.clock.Now,
	})
	require.NoError(t, flaky.Define(engine.Definition{
		Type:  "quick",
		Steps: []engine.StepDefinition{{Type: "only", Handler: doneWith(nil)}},
	}))

	res, err := flaky.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Started)
	assert.Equal(t, domain.WorkflowStatusPending, f.get(t, broken.ID).Status)
	assert.Equal(t, domain.WorkflowStatusCompleted, f.get(t, healthy.ID).Status)
}

func TestTick_StepFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler engine.StepFunc
		want    string
	}{
		{
			name: "error",
			handler: func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				return engine.StepResult{}, errors.New("upstream unavailable")
			},
			want: "upstream unavailable",
		},
		{
			name: "reported failure",
			handler: func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				return engine.Fail("rejected by policy"), nil
			},
			want: "rejected by policy",
		},
		{
			name: "panic",
			handler: func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				panic("nil map")
			},
			want: "nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondRan := false
			f := newFixture(t, engine.Definition{
				Type: "fragile",
				Steps: []engine.StepDefinition{
					{Type: "boom", Handler: tt.handler},
					{Type: "after", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
						secondRan = true
						return engine.Done(nil), nil
					})},
				},
			})
			wf := f.submit(t, "fragile", nil)

			_, err := f.engine.Tick(context.Background())
			require.NoError(t, err)

			got := f.get(t, wf.ID)
			assert.Equal(t, domain.WorkflowStatusFailed, got.Status)
			require.NotNil(t, got.Error)
			assert.Contains(t, *got.Error, tt.want)
			assert.Nil(t, got.Result)
			assert.NotNil(t, got.CompletedAt)
			assert.False(t, secondRan)

			steps := f.steps(t, wf.ID)
			assert.Equal(t, domain.StepStatusFailed, steps[0].Status)
			assert.Equal(t, domain.StepStatusPending, steps[1].Status)
		})
	}
}

func TestCancel(t *testing.T) {
	invoked := false
	f := newFixture(t, engine.Definition{
		Type: "single",
		Steps: []engine.StepDefinition{
			{Type: "only", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				invoked = true
				return engine.Done(nil), nil
			})},
		},
	})
	ctx := context.Background()

	_, err := f.engine.Cancel(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	wf := f.submit(t, "single", nil)
	cancelled, err := f.engine.Cancel(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCancelled, cancelled.Status)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Started)
	assert.False(t, invoked)

	_, err = f.engine.Cancel(ctx, wf.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancel_DuringStepStopsBeforeNextStep(t *testing.T) {
	secondRan := false
	var f *fixture
	f = newFixture(t, engine.Definition{
		Type: "two",
		Steps: []engine.StepDefinition{
			{Type: "first", Handler: engine.StepFunc(func(ctx context.Context, sc *engine.StepContext) (engine.StepResult, error) {
				_, err := f.engine.Cancel(ctx, sc.WorkflowID)
				require.NoError(t, err)
				return engine.Done(domain.Payload{"ok": true}), nil
			})},
			{Type: "second", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				secondRan = true
				return engine.Done(nil), nil
			})},
		},
	})
	wf := f.submit(t, "two", nil)

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	got := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusCancelled, got.Status)
	assert.False(t, secondRan)
}

func TestTick_SkipsAlreadyCompletedStep(t *testing.T) {
	firstRuns, secondRuns := 0, 0
	f := newFixture(t, engine.Definition{
		Type: "resume",
		Steps: []engine.StepDefinition{
			{Type: "first", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				firstRuns++
				return engine.Done(nil), nil
			})},
			{Type: "second", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				secondRuns++
				return engine.Done(nil), nil
			})},
		},
	})
	ctx := context.Background()
	wf := f.submit(t, "resume", nil)

	// step 0 finished but the checkpoint still points at it
	require.NoError(t, f.store.UpdateStep(ctx, wf.ID, 0, domain.StepUpdate{
		Status: domain.StepStatusCompleted,
		Output: domain.Payload{"from": "earlier"},
	}))

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	assert.Zero(t, firstRuns)
	assert.Equal(t, 1, secondRuns)
	assert.Equal(t, domain.WorkflowStatusCompleted, f.get(t, wf.ID).Status)
}

func TestRecoverInterrupted(t *testing.T) {
	runs := 0
	f := newFixture(t, engine.Definition{
		Type: "single",
		Steps: []engine.StepDefinition{
			{Type: "only", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				runs++
				return engine.Done(nil), nil
			})},
		},
	})
	ctx := context.Background()
	wf := f.submit(t, "single", nil)
	require.NoError(t, f.store.ClaimWorkflow(ctx, wf.ID, domain.WorkflowStatusPending, f.clock.Now()))

	n, err := f.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, wf.ID)
	assert.Equal(t, domain.WorkflowStatusWaiting, got.Status)
	require.NotNil(t, got.NextCheckAt)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)
	assert.Equal(t, 1, runs)
	assert.Equal(t, domain.WorkflowStatusCompleted, f.get(t, wf.ID).Status)
}

func TestTick_PassesDoNotOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, engine.Definition{
		Type: "slow",
		Steps: []engine.StepDefinition{
			{Type: "block", Handler: engine.StepFunc(func(context.Context, *engine.StepContext) (engine.StepResult, error) {
				close(entered)
				<-release
				return engine.Done(nil), nil
			})},
		},
	})
	ctx := context.Background()
	f.submit(t, "slow", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.Tick(ctx)
	}()

	<-entered
	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	<-done
}
