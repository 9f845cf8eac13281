// The worker leases jobs from the queue and runs them to a terminal
// state: handler jobs in-process, agent jobs through the configured
// execution mode, workflow jobs through the conductor. One binary hosts
// the dispatch engine, the node executors, and the learning-loop
// maintenance crons.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/cmd/worker/executor"
	"github.com/anthive/orchestrator/cmd/worker/handlers"
	"github.com/anthive/orchestrator/cmd/worker/nodes"
	"github.com/anthive/orchestrator/common/bootstrap"
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/knowledge"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/repository"
	"github.com/anthive/orchestrator/common/trail"
	"github.com/anthive/orchestrator/common/workspace"
)

// Agent runner modes.
const (
	runnerInProcess = "inprocess"
	runnerTmux      = "tmux"
	runnerTask      = "task"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []bootstrap.Option{
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithDBInitHook(db.Migrate),
	}
	if cfg.Dispatch.AgentRunner == runnerTask {
		opts = append(opts, bootstrap.WithTasks())
	}

	components, err := bootstrap.Setup(ctx, "worker", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	w, err := buildWorker(components)
	if err != nil {
		components.Logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	errChan := startWorker(ctx, w, components)

	components.Logger.Info("worker started",
		"workers", cfg.Dispatch.Workers,
		"agent_runner", cfg.Dispatch.AgentRunner,
		"job_types", w.registry.Types(),
	)

	waitForShutdown(ctx, cancel, errChan, components)

	// Drain buffered trails before the stores close.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := w.ledger.Flush(flushCtx); err != nil {
		components.Logger.Warn("trail flush on shutdown failed", "error", err)
	}

	components.Logger.Info("worker shutting down gracefully")
}

// worker bundles the engine with its background maintenance.
type worker struct {
	engine   *dispatch.Engine
	registry *dispatch.Registry
	ledger   *trail.Ledger
	reader   *trail.Reader
	paths    *workspace.Manager
	cron     *cron.Cron
}

// buildWorker wires the full job path: stores, learning loop, agent
// runner, conductor, handlers, engine.
func buildWorker(components *bootstrap.Components) (*worker, error) {
	cfg := components.Config
	log := components.Logger

	jobs := jobstore.New(components.Records, log)
	paths := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.MemoryRoot, cfg.Workspace.RetainDays, log)

	// Learning loop: trails batch through the ledger, knowledge answers
	// prompt-time queries and records outcomes.
	trailStore := trail.NewPostgresStore(components.DB)
	ledger := trail.NewLedger(trailStore, 0, 0, log)
	reader := trail.NewReader(trailStore, cfg.Knowledge.HalfLife, log)
	know := knowledge.NewService(knowledge.NewPostgresStore(components.DB), knowledge.Options{
		TopK:          cfg.Knowledge.TopK,
		HalfLife:      cfg.Knowledge.HalfLife,
		FailureWindow: cfg.Knowledge.FailureWindow,
		MaxTokens:     cfg.Knowledge.MaxTokens,
	}, log)

	provider := buildProvider(cfg, log)

	runner, remote, err := buildRunner(components, provider)
	if err != nil {
		return nil, err
	}

	runs := repository.NewRunRepository(components.DB)
	decisions := repository.NewDecisionRepository(components.DB)

	// Without an agent transport the worker still serves handler jobs;
	// workflow types just stay unregistered.
	var cond handlers.RunExecutor
	if runner != nil {
		exec, err := nodes.NewExecutor(runner, know, ledger, log, nodes.Options{})
		if err != nil {
			return nil, err
		}
		c, err := conductor.New(
			runs,
			repository.NewNodeExecutionRepository(components.DB),
			decisions,
			exec,
			components.Metrics(),
			log,
			conductor.Options{RunConcurrency: cfg.Dispatch.RunConcurrency},
		)
		if err != nil {
			return nil, err
		}
		cond = c
	} else {
		log.Warn("no agent runner available; workflow and agent_farm jobs will be rejected",
			"agent_runner", cfg.Dispatch.AgentRunner)
	}

	registry := dispatch.NewRegistry()
	var strategy dispatch.Strategy = registry
	if remote != nil {
		strategy = executor.NewMux(registry, remote)
	}

	engine := dispatch.NewEngine(
		components.Queue, jobs, components.Blob, paths, strategy,
		components.Metrics(), log, dispatch.Options{
			Workers:        cfg.Dispatch.Workers,
			Visibility:     cfg.Queue.VisibilityTimeout,
			JobDeadline:    cfg.Dispatch.JobDeadline,
			ReconcileAfter: cfg.Dispatch.ReconcileAfter,
			ReconcileCron:  cfg.Dispatch.ReconcileCron,
		})

	deps := handlers.Deps{
		WorkerID:  engine.WorkerID(),
		Workflows: repository.NewWorkflowRepository(components.DB),
		Conductor: cond,
		Log:       log,
	}
	if remote == nil {
		// Chat types run in-process only when no launched-workload
		// strategy claims them.
		deps.Provider = provider
	}
	handlers.Register(registry, deps)

	reaper := conductor.NewReaper(runs, decisions, cfg.Dispatch.RunReapAfter, components.Metrics(), log)

	c, err := maintenanceCron(components, paths, reader, reaper)
	if err != nil {
		return nil, err
	}

	return &worker{
		engine:   engine,
		registry: registry,
		ledger:   ledger,
		reader:   reader,
		paths:    paths,
		cron:     c,
	}, nil
}

// buildProvider constructs the LLM provider when its credential is
// present. The worker runs without one; dependent job types are simply
// not served.
func buildProvider(cfg *config.Config, log *logger.Logger) llm.Provider {
	key := os.Getenv(cfg.Provider.CredentialRef)
	if key == "" {
		log.Warn("llm credential not set; provider-backed handlers disabled",
			"credential_ref", cfg.Provider.CredentialRef)
		return nil
	}
	provider, err := llm.NewAnthropic(key, llm.AnthropicOptions{
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Timeout:   cfg.Provider.Timeout,
	}, log)
	if err != nil {
		log.Error("failed to build llm provider", "error", err)
		return nil
	}
	return provider
}

// buildRunner selects the agent transport for the configured mode. The
// same mode drives both layers: how workflow nodes spawn agents, and
// whether chat jobs execute in-process or as launched workloads.
func buildRunner(components *bootstrap.Components, provider llm.Provider) (nodes.Runner, dispatch.Strategy, error) {
	cfg := components.Config
	log := components.Logger

	switch cfg.Dispatch.AgentRunner {
	case runnerInProcess:
		if provider == nil {
			return nil, nil, nil
		}
		runner := nodes.NewLLMRunner(provider, nodes.LLMOptions{
			Model:     cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
		}, log)
		return runner, nil, nil

	case runnerTmux:
		runner := nodes.NewTmuxRunner(log, nodes.TmuxRunnerOptions{
			AgentCommand: cfg.Dispatch.AgentCommand,
			PollInterval: cfg.Tasks.PollInterval,
			Grace:        cfg.Dispatch.GracePeriod,
		})
		remote := executor.NewTmuxStrategy(log, executor.TmuxOptions{
			AgentCommand: cfg.Dispatch.AgentCommand,
			PollInterval: cfg.Tasks.PollInterval,
			Grace:        cfg.Dispatch.GracePeriod,
		})
		return runner, remote, nil

	case runnerTask:
		if components.Tasks == nil {
			return nil, nil, fmt.Errorf("agent runner %q requires a task launcher", runnerTask)
		}
		def := taskDefinition(cfg)
		runner := nodes.NewTaskRunner(components.Tasks, log, nodes.TaskRunnerOptions{
			TaskDefinition: def,
			PollInterval:   cfg.Tasks.PollInterval,
			StopGrace:      cfg.Dispatch.GracePeriod,
		})
		remote := executor.NewTaskStrategy(components.Tasks, components.Blob, log, executor.TaskOptions{
			TaskDefinition: def,
			PollInterval:   cfg.Tasks.PollInterval,
			CredentialRefs: cfg.Tasks.CredentialRefs,
			StopGrace:      cfg.Dispatch.GracePeriod,
		})
		return runner, remote, nil

	default:
		return nil, nil, fmt.Errorf("unknown agent runner: %s", cfg.Dispatch.AgentRunner)
	}
}

// taskDefinition names the launched workload. The ecs driver needs the
// configured family; the local driver takes its command from the
// launcher and only needs a well-formed label here.
func taskDefinition(cfg *config.Config) string {
	if cfg.Tasks.ECSTaskDef != "" {
		return cfg.Tasks.ECSTaskDef
	}
	return "agent"
}

// maintenanceCron schedules workspace retention sweeps, trail
// compaction, and the stranded-run reaper.
func maintenanceCron(components *bootstrap.Components, paths *workspace.Manager, reader *trail.Reader, reaper *conductor.Reaper) (*cron.Cron, error) {
	cfg := components.Config
	log := components.Logger

	c := cron.New()
	if _, err := c.AddFunc(cfg.Workspace.CleanupCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		removed, err := paths.Cleanup(ctx, time.Now())
		if err != nil {
			log.Error("workspace cleanup failed", "error", err)
			return
		}
		log.Info("workspace cleanup finished", "removed", removed)
	}); err != nil {
		return nil, fmt.Errorf("bad cleanup cron spec %q: %w", cfg.Workspace.CleanupCron, err)
	}

	if _, err := c.AddFunc(cfg.Workspace.CompactionCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		deleted, err := reader.Compact(ctx)
		if err != nil {
			log.Error("trail compaction failed", "error", err)
			return
		}
		log.Info("trail compaction finished", "deleted", deleted)
	}); err != nil {
		return nil, fmt.Errorf("bad compaction cron spec %q: %w", cfg.Workspace.CompactionCron, err)
	}

	// Sweep reports its own results; the cron only surfaces sweep errors.
	if _, err := c.AddFunc(cfg.Dispatch.RunReapCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := reaper.Sweep(ctx, time.Now()); err != nil {
			log.Error("run reap sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("bad run reap cron spec %q: %w", cfg.Dispatch.RunReapCron, err)
	}

	return c, nil
}

// startWorker launches the engine, the trail ledger, and the
// maintenance cron.
func startWorker(ctx context.Context, w *worker, components *bootstrap.Components) chan error {
	errChan := make(chan error, 1)

	go w.ledger.Run(ctx)

	w.cron.Start()
	go func() {
		<-ctx.Done()
		w.cron.Stop()
	}()

	go func() {
		if err := w.engine.Run(ctx); err != nil {
			errChan <- fmt.Errorf("dispatch engine error: %w", err)
		}
	}()

	return errChan
}

// waitForShutdown waits for either an error or shutdown signal.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		cancel()
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
	}
}
