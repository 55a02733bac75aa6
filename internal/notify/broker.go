// Package notify fans lifecycle and progress events out to observers.
// Delivery is best effort: a slow subscriber loses events, never blocks the publisher.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/domain"
)

var _ domain.EventSink = (*Broker)(nil)

// DefaultBufferSize is the default per-subscriber event buffer
const DefaultBufferSize = 256

// Filter restricts a subscription to one job or one workflow.
// The zero Filter matches every event.
type Filter struct {
	JobID      string
	WorkflowID string
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e domain.Event) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// Subscriber receives the events matching its filter
type Subscriber struct {
	id      string
	ch      chan domain.Event
	filter  Filter
	dropped atomic.Int64
}

// ID returns the subscriber identifier
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan domain.Event { return s.ch }

// Dropped returns how many events this subscriber missed
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broker is an in-process publish-subscribe hub
type Broker struct {
	logger     *slog.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalDropped   atomic.Int64
}

// BrokerStats contains broker metrics
type BrokerStats struct {
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalDropped    int64 `json:"total_dropped"`
}

// NewBroker creates a Broker. A non-positive bufferSize uses DefaultBufferSize.
func NewBroker(logger *slog.Logger, bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		logger:      logger,
		bufferSize:  bufferSize,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber
func (b *Broker) Subscribe(filter Filter) *Subscriber {
	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan domain.Event, b.bufferSize),
		filter: filter,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Event subscriber added",
		slog.String("subscriber_id", sub.id),
		slog.String("job_id", filter.JobID),
		slog.String("workflow_id", filter.WorkflowID),
	)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("Event subscriber removed",
			slog.String("subscriber_id", id),
			slog.Int64("dropped", sub.Dropped()),
		)
	}
}

// Close ends every subscription and rejects new ones. Subscribers see
// their channel closed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers e to every matching subscriber without blocking
func (b *Broker) Publish(_ context.Context, e domain.Event) {
	b.totalPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
			b.totalDelivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.totalDropped.Add(1)
		}
	}
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	count := len(b.subscribers)
	b.mu.RUnlock()

	return BrokerStats{
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDelivered:  b.totalDelivered.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}
