package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobflow/internal/notify"
)

const defaultHeartbeat = 15 * time.Second

// EventHandler streams lifecycle events as server-sent events
type EventHandler struct {
	logger    *slog.Logger
	events    EventSource
	heartbeat time.Duration
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &EventHandler{
		logger:    deps.Logger,
		events:    deps.Events,
		heartbeat: heartbeat,
	}
}

// StreamEvents handles GET /api/v1/events
// Optional job_id or workflow_id query parameters narrow the stream.
func (h *EventHandler) StreamEvents(c *gin.Context) {
	filter := notify.Filter{
		JobID:      c.Query("job_id"),
		WorkflowID: c.Query("workflow_id"),
	}

	sub := h.events.Subscribe(filter)
	defer h.events.Unsubscribe(sub.ID())

	h.logger.Info("Event stream opened",
		slog.String("subscriber_id", sub.ID()),
		slog.String("job_id", filter.JobID),
		slog.String("workflow_id", filter.WorkflowID),
	)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// streams outlive the server's write timeout
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	// flush headers so clients see the stream open before the first event
	c.SSEvent("ready", gin.H{"subscriber_id": sub.ID()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(e.Kind), e)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})

	h.logger.Info("Event stream closed",
		slog.String("subscriber_id", sub.ID()),
		slog.Int64("dropped", sub.Dropped()),
	)
}
