package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/container"
	gwmiddleware "github.com/anthive/orchestrator/cmd/gateway/middleware"
	"github.com/anthive/orchestrator/common/middleware"
)

// RegisterWorkflowRoutes registers workflow definition CRUD routes.
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := c.WorkflowHandler

	wf := e.Group("/api/v1/workflows")
	wf.Use(gwmiddleware.Authenticate(c.Resolver, cfg.Auth.Enabled, c.Components.Logger))
	if c.Limiter != nil {
		wf.Use(middleware.TenantRateLimit(c.Limiter, cfg.RateLimit.TenantLimit, cfg.RateLimit.InternalSecret))
	}
	{
		wf.POST("", h.CreateWorkflow)      // POST /api/v1/workflows
		wf.GET("/:id", h.GetWorkflow)      // GET /api/v1/workflows/{workflow_id}
		wf.GET("", h.ListWorkflows)        // GET /api/v1/workflows?name=review
		wf.PATCH("/:id", h.PatchWorkflow)  // PATCH /api/v1/workflows/{workflow_id}
		wf.DELETE("/:id", h.DeleteWorkflow) // DELETE /api/v1/workflows/{workflow_id}
	}
}
