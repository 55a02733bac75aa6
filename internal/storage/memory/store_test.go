package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/storage"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newJob(id string, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:        id,
		JobType:   "noop",
		Status:    domain.JobStatusPending,
		Payload:   domain.Payload{"n": float64(1)},
		CreatedAt: createdAt,
	}
}

func newWorkflow(id string, status domain.WorkflowStatus) (*domain.Workflow, []*domain.WorkflowStep) {
	wf := &domain.Workflow{
		ID:           id,
		UserID:       "user-1",
		WorkflowType: "approval",
		Status:       status,
		State:        domain.Payload{},
		CreatedAt:    base,
	}
	steps := []*domain.WorkflowStep{
		{ID: id + "-1", WorkflowID: id, StepIndex: 1, StepType: "wait", Status: domain.StepStatusPending},
		{ID: id + "-0", WorkflowID: id, StepIndex: 0, StepType: "request", Status: domain.StepStatusPending},
	}
	return wf, steps
}

func TestStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := newJob("job-1", base)
	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), domain.ErrDuplicateID)

	// the stored copy is isolated from the caller's map
	job.Payload["n"] = float64(2)
	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Payload["n"])

	claimed, err := s.ClaimJob(ctx, "job-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = s.ClaimJob(ctx, "job-1", base)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", domain.JobUpdate{
		ProgressPct:     domain.IntPtr(40),
		ProgressMessage: domain.StringPtr("working"),
	}))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", domain.JobUpdate{
		Status:      domain.JobStatusCompleted,
		Result:      domain.Payload{"ok": true},
		CompletedAt: domain.TimePtr(base.Add(2 * time.Second)),
	}))

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 40, got.ProgressPct)
	assert.Equal(t, "working", got.ProgressMessage)
	assert.Equal(t, true, got.Result["ok"])

	err = s.UpdateJobStatus(ctx, "job-1", domain.JobUpdate{Status: domain.JobStatusFailed})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.True(t, domain.IsNotFound(err))

	err = s.UpdateJobStatus(ctx, "missing", domain.JobUpdate{Status: domain.JobStatusFailed})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_NextPendingJobIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()

	// created_at ties and clock skew must not reorder the queue
	require.NoError(t, s.CreateJob(ctx, newJob("b", base.Add(time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("a", base)))
	require.NoError(t, s.CreateJob(ctx, newJob("c", base)))

	var order []string
	for {
		next, err := s.NextPendingJob(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.ID)
		_, err = s.ClaimJob(ctx, next.ID, base)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, id := range []string{"j1", "j2", "j3", "j4"} {
		job := newJob(id, base.Add(time.Duration(i)*time.Second))
		if id == "j2" {
			job.JobType = "report"
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}
	_, err := s.ClaimJob(ctx, "j3", base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter domain.JobFilter
		want   []string
	}{
		{
			name:   "all newest first",
			filter: domain.JobFilter{},
			want:   []string{"j4", "j3", "j2", "j1"},
		},
		{
			name:   "by type",
			filter: domain.JobFilter{JobType: "report"},
			want:   []string{"j2"},
		},
		{
			name:   "by status",
			filter: domain.JobFilter{Status: domain.JobStatusRunning},
			want:   []string{"j3"},
		},
		{
			name:   "limit",
			filter: domain.JobFilter{Limit: 2},
			want:   []string{"j4", "j3"},
		},
		{
			name: "after cursor",
			filter: domain.JobFilter{
				Limit:  2,
				Cursor: &domain.Cursor{CreatedAt: base.Add(2 * time.Second), ID: "j3"},
			},
			want: []string{"j2", "j1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]string, len(jobs))
			for i, j := range jobs {
				ids[i] = j.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_WorkflowClaimAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := New()

	wf, steps := newWorkflow("wf-1", domain.WorkflowStatusPending)
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
	assert.ErrorIs(t, s.CreateWorkflow(ctx, wf, steps), domain.ErrDuplicateID)

	got, err := s.GetSteps(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].StepIndex)
	assert.Equal(t, 1, got[1].StepIndex)

	assert.ErrorIs(t, s.ClaimWorkflow(ctx, "wf-1", domain.WorkflowStatusWaiting, base), domain.ErrAlreadyClaimed)
	require.NoError(t, s.ClaimWorkflow(ctx, "wf-1", domain.WorkflowStatusPending, base))

	claimed, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, claimed.Status)
	require.NotNil(t, claimed.CurrentStep)
	assert.Equal(t, 0, *claimed.CurrentStep)
	require.NotNil(t, claimed.StartedAt)

	next := base.Add(time.Minute)
	require.NoError(t, s.SaveCheckpoint(ctx, "wf-1", 1, domain.Payload{"k": "v"}, &next))
	require.NoError(t, s.UpdateStep(ctx, "wf-1", 0, domain.StepUpdate{
		Status: domain.StepStatusCompleted,
		Output: domain.Payload{"sent": true},
	}))

	got2, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, *got2.CurrentStep)
	assert.Equal(t, "v", got2.State["k"])
	require.NotNil(t, got2.NextCheckAt)
	assert.True(t, next.Equal(*got2.NextCheckAt))

	assert.ErrorIs(t, s.UpdateStep(ctx, "wf-1", 9, domain.StepUpdate{Status: domain.StepStatusFailed}), domain.ErrNotFound)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-1", domain.WorkflowUpdate{
		Status:         domain.WorkflowStatusCancelled,
		ClearNextCheck: true,
	}))
	assert.ErrorIs(t, s.SaveCheckpoint(ctx, "wf-1", 2, nil, nil), domain.ErrConflict)
	assert.ErrorIs(t, s.UpdateWorkflowStatus(ctx, "wf-1", domain.WorkflowUpdate{
		Status: domain.WorkflowStatusCompleted,
	}), domain.ErrConflict)

	_, err = s.GetSteps(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestStore_ListDueForPoll(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := base.Add(time.Hour)

	tests := []struct {
		id     string
		status domain.WorkflowStatus
		next   *time.Time
		due    bool
	}{
		{id: "past", status: domain.WorkflowStatusWaiting, next: domain.TimePtr(now.Add(-time.Minute)), due: true},
		{id: "exact", status: domain.WorkflowStatusWaiting, next: domain.TimePtr(now), due: true},
		{id: "future", status: domain.WorkflowStatusWaiting, next: domain.TimePtr(now.Add(time.Second))},
		{id: "no-check", status: domain.WorkflowStatusWaiting},
		{id: "running", status: domain.WorkflowStatusRunning, next: domain.TimePtr(now.Add(-time.Hour))},
		{id: "done", status: domain.WorkflowStatusCompleted, next: domain.TimePtr(now.Add(-time.Hour))},
	}

	for _, tt := range tests {
		wf, steps := newWorkflow(tt.id, tt.status)
		wf.NextCheckAt = tt.next
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
	}

	due, err := s.ListDueForPoll(ctx, now)
	require.NoError(t, err)

	ids := make([]string, len(due))
	for i, wf := range due {
		ids[i] = wf.ID
	}
	assert.Equal(t, []string{"past", "exact"}, ids)
}

func TestStore_ListWorkflows(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, id := range []string{"w1", "w2", "w3"} {
		wf, steps := newWorkflow(id, domain.WorkflowStatusPending)
		if id == "w2" {
			wf.UserID = "user-2"
			wf.ConversationID = domain.StringPtr("conv-9")
		}
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
	}

	all, err := s.ListWorkflows(ctx, domain.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "w3", all[0].ID)

	byConv, err := s.ListWorkflows(ctx, domain.WorkflowFilter{ConversationID: "conv-9"})
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, "user-2", byConv[0].UserID)

	pending, err := s.ListPendingWorkflows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "w1", pending[0].ID)
	assert.Equal(t, "w2", pending[1].ID)
}

func TestStore_ConsumeWebhookOnce(t *testing.T) {
	ctx := context.Background()
	consumedAt := base.Add(5 * time.Minute)
	s := New(WithClock(func() time.Time { return consumedAt }))

	wf, steps := newWorkflow("wf-1", domain.WorkflowStatusWaiting)
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

	reg := &domain.WebhookRegistration{
		ID:             "hook-1",
		WorkflowID:     "wf-1",
		StepIndex:      1,
		Token:          "tok",
		ExternalSystem: "crm",
		CreatedAt:      base,
	}
	require.NoError(t, s.RegisterWebhook(ctx, reg))
	assert.ErrorIs(t, s.RegisterWebhook(ctx, &domain.WebhookRegistration{ID: "hook-2", Token: "tok"}), domain.ErrDuplicateID)

	got, err := s.GetWebhookByToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusActive, got.Status)

	ok, err := s.ConsumeWebhook(ctx, "hook-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeWebhook(ctx, "hook-1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetWebhookByToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusConsumed, got.Status)
	require.NotNil(t, got.ConsumedAt)
	assert.True(t, got.ConsumedAt.Equal(consumedAt))

	hooks, err := s.ListWebhooks(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, hooks, 1)

	_, err = s.GetWebhookByToken(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
	_, err = s.ConsumeWebhook(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()

	wf, steps := newWorkflow("wf-1", domain.WorkflowStatusWaiting)
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		if err := tx.SaveCheckpoint(ctx, "wf-1", 1, domain.Payload{"x": 1}, nil); err != nil {
			return err
		}
		// nested transactions join the outer one
		return tx.WithinTx(ctx, func(inner storage.WorkflowStore) error {
			if err := inner.UpdateStep(ctx, "wf-1", 0, domain.StepUpdate{Status: domain.StepStatusCompleted}); err != nil {
				return err
			}
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentStep)
	assert.Empty(t, got.State)

	gotSteps, err := s.GetSteps(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusPending, gotSteps[0].Status)

	require.NoError(t, s.WithinTx(ctx, func(tx storage.WorkflowStore) error {
		return tx.SaveCheckpoint(ctx, "wf-1", 1, domain.Payload{"x": 1}, nil)
	}))
	got, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, *got.CurrentStep)
}
