package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)
	workflowHandler := handler.NewWorkflowHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		workflows := v1.Group("/workflows")
		{
			workflows.POST("", workflowHandler.CreateWorkflow)
			workflows.GET("", workflowHandler.ListWorkflows)
			workflows.GET("/:workflow_id", workflowHandler.GetWorkflow)
			workflows.POST("/:workflow_id/cancel", workflowHandler.CancelWorkflow)
		}

		// POST /api/v1/webhooks/:token - External callback for a waiting step
		v1.POST("/webhooks/:token", workflowHandler.DeliverWebhook)

		// GET /api/v1/events - Server-sent lifecycle events
		v1.GET("/events", eventHandler.StreamEvents)
	}

	return r
}
