package bootstrap

import (
	"context"
	"fmt"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/cache"
	"github.com/anthive/orchestrator/common/cloud"
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/queue"
	"github.com/anthive/orchestrator/common/records"
	"github.com/anthive/orchestrator/common/redis"
	"github.com/anthive/orchestrator/common/tasks"
	"github.com/anthive/orchestrator/common/telemetry"
)

// Components holds all initialized service dependencies. The four
// backend primitives (Queue, Records, Blob, Tasks) are built from the
// drivers configuration selects; DB, Redis and Cloud are shared
// connections the drivers hang off and are nil when nothing asked for
// them.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Cloud     *cloud.Clients
	Queue     queue.Queue
	Records   records.Store
	Blob      blob.Store
	Tasks     tasks.Launcher
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	// Internal
	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components.
// Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks the shared backend connections. Driver-level probes
// (queue send, blob roundtrip) belong to the services that own them.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}

	return nil
}

// Metrics returns the prometheus instruments, which exist whenever
// telemetry was initialized.
func (c *Components) Metrics() *telemetry.Metrics {
	if c.Telemetry == nil {
		return nil
	}
	return c.Telemetry.Metrics
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
