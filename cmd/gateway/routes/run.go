package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/container"
	gwmiddleware "github.com/anthive/orchestrator/cmd/gateway/middleware"
)

// RegisterRunRoutes registers read-only run inspection routes. The
// conductor owns run lifecycle; jobs are cancelled through the job
// routes.
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := c.RunHandler

	runs := e.Group("/api/v1/runs")
	runs.Use(gwmiddleware.Authenticate(c.Resolver, cfg.Auth.Enabled, c.Components.Logger))
	{
		runs.GET("/:id", h.GetRun) // GET /api/v1/runs/{run_id}
		runs.GET("", h.ListRuns)   // GET /api/v1/runs?status=running
	}
}
