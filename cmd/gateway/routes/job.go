// Package routes binds the gateway's URL surface to its handlers. Each
// group applies tenant resolution first, then the per-tenant quota, so
// handlers always run with a tenant in context.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/container"
	gwmiddleware "github.com/anthive/orchestrator/cmd/gateway/middleware"
	"github.com/anthive/orchestrator/common/middleware"
)

// RegisterJobRoutes registers job submission and inspection routes.
func RegisterJobRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := c.JobHandler

	jobs := e.Group("/api/v1/jobs")
	jobs.Use(gwmiddleware.Authenticate(c.Resolver, cfg.Auth.Enabled, c.Components.Logger))
	if c.Limiter != nil {
		jobs.Use(middleware.TenantRateLimit(c.Limiter, cfg.RateLimit.TenantLimit, cfg.RateLimit.InternalSecret))
	}
	{
		jobs.POST("", h.SubmitJob)             // POST /api/v1/jobs
		jobs.GET("/:id", h.GetJob)             // GET /api/v1/jobs/{job_id}
		jobs.GET("", h.ListJobs)               // GET /api/v1/jobs?state=RUNNING
		jobs.POST("/:id/cancel", h.CancelJob)  // POST /api/v1/jobs/{job_id}/cancel
	}
}
