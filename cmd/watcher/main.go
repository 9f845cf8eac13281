// The watcher keeps swarm runs live from outside the worker process.
// Tier-1 polls a run's board directory and raises a signal file when
// it sees trouble; tier-2 runs on demand, rules on the signal, and
// clears it. Exit codes: 0 done, 1 error, 2 escalate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthive/orchestrator/cmd/watcher/watch"
	"github.com/anthive/orchestrator/common/bootstrap"
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

const usage = `usage: watcher <command> <board-dir>

commands:
  watch    poll the run until it completes or needs intervention
  handle   rule on a pending escalation signal and clear it
  status   print the current watch state
  stop     request tier-1 shutdown (writes the stop file)
  clear    remove the stop file so watching may resume
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd := flag.Arg(0)
	dir := flag.Arg(1)
	if cmd == "" || dir == "" {
		flag.Usage()
		os.Exit(int(watch.StatusError))
	}

	status, err := run(cmd, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watcher: %v\n", err)
	}
	os.Exit(int(status))
}

func run(cmd, dir string) (watch.Status, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Stop and clear are bare file operations; no service setup needed.
	switch cmd {
	case "stop":
		if err := watch.RequestStop(dir); err != nil {
			return watch.StatusError, err
		}
		fmt.Println("stop requested; tier-1 archives the board on its next pass")
		return watch.StatusDone, nil
	case "clear":
		if err := watch.ClearStop(dir); err != nil {
			return watch.StatusError, err
		}
		fmt.Println("stop file cleared; watching may resume")
		return watch.StatusDone, nil
	}

	components, err := bootstrap.Setup(ctx, "watcher",
		bootstrap.WithoutDB(),
		bootstrap.WithoutQueue(),
		bootstrap.WithoutStores(),
		bootstrap.WithoutTelemetry(),
	)
	if err != nil {
		return watch.StatusError, err
	}
	defer components.Shutdown(ctx)

	opts := watchOptions(components.Config)
	log := components.Logger

	switch cmd {
	case "watch":
		return watch.NewTier1(dir, opts, log).Run(ctx)
	case "handle":
		provider := buildProvider(components.Config, log)
		return watch.NewTier2(dir, provider, opts, log).Handle(ctx)
	case "status":
		return watch.NewTier1(dir, opts, log).Status(os.Stdout)
	default:
		return watch.StatusError, fmt.Errorf("unknown command %q", cmd)
	}
}

func watchOptions(cfg *config.Config) watch.Options {
	return watch.Options{
		PollInterval:     cfg.Watcher.PollInterval,
		HeartbeatTimeout: cfg.Watcher.HeartbeatTimeout,
		FailureThreshold: cfg.Watcher.FailureThreshold,
	}
}

// buildProvider constructs the LLM provider when its credential is
// present. Tier-2 works without one; synthesis just degrades to the
// deterministic digest.
func buildProvider(cfg *config.Config, log *logger.Logger) llm.Provider {
	key := os.Getenv(cfg.Provider.CredentialRef)
	if key == "" {
		log.Info("llm credential not set; synthesis uses the deterministic digest",
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
