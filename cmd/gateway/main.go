// The gateway is the HTTP ingress: it resolves credentials onto
// tenants, enforces request quotas, accepts jobs into the queue, and
// serves read paths over jobs, workflow definitions, runs and swarm
// boards. Execution lives in the worker; the gateway never runs a job.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/anthive/orchestrator/cmd/gateway/container"
	"github.com/anthive/orchestrator/cmd/gateway/routes"
	"github.com/anthive/orchestrator/common/bootstrap"
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/middleware"
	"github.com/anthive/orchestrator/common/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []bootstrap.Option{
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithDBInitHook(db.Migrate),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, bootstrap.WithRedis())
	}
	if cfg.Auth.Enabled {
		opts = append(opts, bootstrap.WithCache())
	}

	components, err := bootstrap.Setup(ctx, "gateway", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	components.Logger.Info("gateway started",
		"port", cfg.Service.Port,
		"auth", cfg.Auth.Enabled,
		"rate_limit", cfg.RateLimit.Enabled,
	)

	srv := server.New("gateway", cfg.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures global middleware. The global rate limit
// runs before routing so floods are shed ahead of any handler work.
func setupMiddleware(e *echo.Echo, c *container.Container) {
	log := c.Components.Logger

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String(),
			)
			return nil
		},
	}))

	cfg := c.Components.Config
	if c.Limiter != nil {
		e.Use(middleware.GlobalRateLimit(c.Limiter, cfg.RateLimit.GlobalLimit, cfg.RateLimit.InternalSecret))
	}
}

// setupHealthCheck registers the dependency probe. It bypasses auth so
// load balancers can reach it without credentials.
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", c.HealthHandler.Health)
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterJobRoutes(e, c)
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterRunRoutes(e, c)
	routes.RegisterAgentRoutes(e, c)
}
