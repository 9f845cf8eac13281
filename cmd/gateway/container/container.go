// Package container wires the gateway's handlers to their backends
// once, at startup. Handlers hold what they need; nothing reaches back
// into bootstrap at request time.
package container

import (
	"fmt"

	"github.com/anthive/orchestrator/cmd/gateway/handlers"
	"github.com/anthive/orchestrator/common/bootstrap"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/ratelimit"
	"github.com/anthive/orchestrator/common/repository"
	"github.com/anthive/orchestrator/common/tenant"
	"github.com/anthive/orchestrator/common/workspace"
)

// Container holds the gateway's initialized services and handlers.
type Container struct {
	Components *bootstrap.Components

	// Ingress plumbing
	Resolver tenant.Resolver
	Limiter  *ratelimit.RateLimiter

	// Stores
	Jobs      *jobstore.Store
	Workflows *repository.WorkflowRepository
	Runs      *repository.RunRepository
	Paths     *workspace.Manager

	// Handlers
	JobHandler      *handlers.JobHandler
	WorkflowHandler *handlers.WorkflowHandler
	RunHandler      *handlers.RunHandler
	AgentsHandler   *handlers.AgentsHandler
	HealthHandler   *handlers.HealthHandler
}

// NewContainer initializes all gateway services bottom-up.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	resolver, err := buildResolver(components)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		if components.Redis == nil {
			return nil, fmt.Errorf("rate limiting requires redis (bootstrap.WithRedis)")
		}
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	jobs := jobstore.New(components.Records, log)
	submitter := dispatch.NewSubmitter(components.Queue, jobs, log)
	workflows := repository.NewWorkflowRepository(components.DB)
	runs := repository.NewRunRepository(components.DB)
	paths := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.MemoryRoot, cfg.Workspace.RetainDays, log)

	return &Container{
		Components: components,
		Resolver:   resolver,
		Limiter:    limiter,
		Jobs:       jobs,
		Workflows:  workflows,
		Runs:       runs,
		Paths:      paths,

		JobHandler:      handlers.NewJobHandler(submitter, jobs, components.Blob, limiter, log),
		WorkflowHandler: handlers.NewWorkflowHandler(workflows, log),
		RunHandler:      handlers.NewRunHandler(runs, log),
		AgentsHandler:   handlers.NewAgentsHandler(paths, log),
		HealthHandler:   handlers.NewHealthHandler(cfg.Service.Version, components.Queue, components.Records, components.Blob, log),
	}, nil
}

// buildResolver maps credentials onto tenants. With auth disabled there
// is nothing to resolve; with auth enabled the static key map is
// wrapped in a TTL cache so hot credentials skip the lookup.
func buildResolver(components *bootstrap.Components) (tenant.Resolver, error) {
	cfg := components.Config
	if !cfg.Auth.Enabled {
		return nil, nil
	}
	if len(cfg.Auth.TenantKeys) == 0 {
		return nil, fmt.Errorf("auth is enabled but TENANT_KEYS is empty")
	}

	static, err := tenant.NewStaticResolver(cfg.Auth.TenantKeys)
	if err != nil {
		return nil, fmt.Errorf("bad tenant key map: %w", err)
	}
	if components.Cache == nil {
		return static, nil
	}
	return tenant.NewCachingResolver(static, components.Cache, cfg.Auth.CacheTTL, components.Logger), nil
}
