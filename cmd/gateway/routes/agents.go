package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/container"
	gwmiddleware "github.com/anthive/orchestrator/cmd/gateway/middleware"
)

// RegisterAgentRoutes registers the swarm board listing.
func RegisterAgentRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := c.AgentsHandler

	agents := e.Group("/api/v1/agents")
	agents.Use(gwmiddleware.Authenticate(c.Resolver, cfg.Auth.Enabled, c.Components.Logger))
	{
		agents.GET("", h.ListBoards) // GET /api/v1/agents
	}
}
