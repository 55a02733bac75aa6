package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroker_FilterAndDelivery(t *testing.T) {
	b := notify.NewBroker(discardLogger(), 8)
	ctx := context.Background()

	all := b.Subscribe(notify.Filter{})
	onlyJob := b.Subscribe(notify.Filter{JobID: "job-1"})
	onlyWorkflow := b.Subscribe(notify.Filter{WorkflowID: "wf-1"})

	b.Publish(ctx, domain.Event{Kind: domain.EventJobStarted, JobID: "job-1"})
	b.Publish(ctx, domain.Event{Kind: domain.EventJobStarted, JobID: "job-2"})
	b.Publish(ctx, domain.Event{Kind: domain.EventWorkflowStarted, WorkflowID: "wf-1"})

	assert.Len(t, all.C(), 3)
	assert.Len(t, onlyJob.C(), 1)
	assert.Len(t, onlyWorkflow.C(), 1)

	e := <-onlyJob.C()
	assert.Equal(t, "job-1", e.JobID)

	stats := b.Stats()
	assert.Equal(t, 3, stats.SubscriberCount)
	assert.EqualValues(t, 3, stats.TotalPublished)
	assert.EqualValues(t, 5, stats.TotalDelivered)
	assert.Zero(t, stats.TotalDropped)
}

func TestBroker_DropsWhenFull(t *testing.T) {
	b := notify.NewBroker(discardLogger(), 1)
	ctx := context.Background()
	sub := b.Subscribe(notify.Filter{})

	b.Publish(ctx, domain.Event{Kind: domain.EventJobProgress, JobID: "a"})
	b.Publish(ctx, domain.Event{Kind: domain.EventJobProgress, JobID: "b"})

	assert.EqualValues(t, 1, sub.Dropped())
	assert.EqualValues(t, 1, b.Stats().TotalDropped)
	assert.Equal(t, "a", (<-sub.C()).JobID)
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := notify.NewBroker(discardLogger(), 0)
	sub := b.Subscribe(notify.Filter{})

	b.Unsubscribe(sub.ID())
	b.Unsubscribe(sub.ID())

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Zero(t, b.Stats().SubscriberCount)

	b.Publish(context.Background(), domain.Event{Kind: domain.EventJobStarted})
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	b := notify.NewBroker(discardLogger(), 0)
	sub := b.Subscribe(notify.Filter{})

	b.Close()
	b.Close()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Zero(t, b.Stats().SubscriberCount)

	late := b.Subscribe(notify.Filter{})
	_, open = <-late.C()
	assert.False(t, open)

	b.Unsubscribe(sub.ID())
	b.Unsubscribe(late.ID())
	b.Publish(context.Background(), domain.Event{Kind: domain.EventJobStarted})
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

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := notify.Multi{a, nil, b}

	m.Publish(context.Background(), domain.Event{Kind: domain.EventJobCompleted})

	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := notify.NewAMQPPublisher(pub, discardLogger())

	p.Publish(context.Background(), domain.Event{
		Kind:        domain.EventJobProgress,
		JobID:       "job-1",
		ProgressPct: domain.IntPtr(40),
	})

	require.Len(t, pub.bodies, 1)
	var got domain.Event
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, domain.EventJobProgress, got.Kind)
	assert.Equal(t, 40, *got.ProgressPct)

	pub.err = errors.New("channel closed")
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), domain.Event{Kind: domain.EventJobCompleted})
	})
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked
}

type fakeConsumer struct {
	ch chan amqp.Delivery
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.ch, nil
}

func TestAMQPRelay(t *testing.T) {
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery, 2)}
	sink := &recordingSink{}
	ack := &fakeAcknowledger{}
	relay := notify.NewAMQPRelay(consumer, sink, discardLogger(), "api-test")

	body, err := json.Marshal(domain.Event{Kind: domain.EventWorkflowWaiting, WorkflowID: "wf-1"})
	require.NoError(t, err)
	consumer.ch <- amqp.Delivery{Acknowledger: ack, Body: body}
	consumer.ch <- amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		acked, nacked := ack.counts()
		return acked == 1 && nacked == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.len())
}

func TestAMQPRelay_ChannelClosed(t *testing.T) {
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery)}
	close(consumer.ch)
	relay := notify.NewAMQPRelay(consumer, &recordingSink{}, discardLogger(), "api-test")

	assert.Error(t, relay.Run(context.Background()))
}
