package handler

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports the state of the service and its dependencies
type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	events  EventSource
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service: deps.ServiceName,
		checks:  deps.HealthChecks,
		events:  deps.Events,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	body := gin.H{
		"status":  "healthy",
		"service": h.service,
		"checks":  results,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if h.events != nil {
		body["events"] = h.events.Stats()
	}

	c.JSON(status, body)
}
