package nodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/validation"
)

// commandRunner executes one external command and returns its combined
// output. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// TmuxRunnerOptions tunes the tmux runner.
type TmuxRunnerOptions struct {
	// AgentCommand is the operator-configured command line started in
	// each window. It reads PROMPT_FILE and writes RESULT_FILE.
	AgentCommand string
	// PollInterval is how often the result file and pane liveness are
	// checked.
	PollInterval time.Duration
	// Grace is the window between C-c and kill-window on cancellation.
	Grace time.Duration
}

// TmuxRunner spawns each agent in its own tmux window so an operator
// can attach and watch. Windows group into one session per tenant
// (`farm-<tenant>`); prompts travel through files in the run workspace,
// never through argv.
type TmuxRunner struct {
	opts TmuxRunnerOptions
	log  *logger.Logger
	run  commandRunner
}

// NewTmuxRunner wires a tmux runner.
func NewTmuxRunner(log *logger.Logger, opts TmuxRunnerOptions) *TmuxRunner {
	if opts.AgentCommand == "" {
		opts.AgentCommand = "claude --print --dangerously-skip-permissions"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &TmuxRunner{opts: opts, log: log, run: execRunner}
}

// Spawn opens a window for the agent, starts the command, and polls for
// the result file until the pane dies or the context ends.
func (r *TmuxRunner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if err := validation.Assert(req.TenantID, validation.KindTenant); err != nil {
		return nil, err
	}
	if err := validation.Assert(req.AgentID, validation.KindAgent); err != nil {
		return nil, err
	}
	if req.NodeID != "" {
		if err := validation.Assert(req.NodeID, validation.KindNode); err != nil {
			return nil, err
		}
	}

	session := "farm-" + req.TenantID
	target := session + ":" + req.AgentID
	log := r.log.WithTenant(req.TenantID).WithRunID(req.RunID)

	promptPath := filepath.Join(req.WorkDir, "prompt-"+req.AgentID+".md")
	resultPath := filepath.Join(req.WorkDir, "result-"+req.AgentID+".json")
	exitPath := filepath.Join(req.WorkDir, "exit-"+req.AgentID)
	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0o600); err != nil {
		return nil, faults.Transient(err, "failed to write prompt file for agent %s", req.AgentID)
	}

	if err := r.ensureSession(ctx, session); err != nil {
		return nil, err
	}
	if err := r.openWindow(ctx, session, req.AgentID, req.WorkDir); err != nil {
		return nil, err
	}
	if _, err := r.tmux(ctx, "send-keys", "-t", target, r.paneCommand(req, promptPath, resultPath, exitPath), "Enter"); err != nil {
		r.killWindow(target)
		return nil, err
	}
	log.Info("agent window started", "session", session, "window", req.AgentID)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.cancel(target, ctx.Err(), log)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if req.Heartbeat != nil {
			if herr := req.Heartbeat(ctx); herr != nil {
				log.Warn("heartbeat failed during agent poll", "window", req.AgentID, "error", herr)
			}
		}

		if doc, err := os.ReadFile(resultPath); err == nil {
			r.killWindow(target)
			log.Info("agent wrote result", "window", req.AgentID, "bytes", len(doc))
			return spawnResultFromDoc(req.AgentID, doc)
		}

		if !r.paneAlive(ctx, target) {
			return r.collectExit(req.AgentID, exitPath, resultPath)
		}
	}
}

// collectExit settles an agent whose window closed. A late result file
// still wins; otherwise the exit marker decides.
func (r *TmuxRunner) collectExit(agentID, exitPath, resultPath string) (*SpawnResult, error) {
	if doc, err := os.ReadFile(resultPath); err == nil {
		return spawnResultFromDoc(agentID, doc)
	}
	raw, err := os.ReadFile(exitPath)
	if err != nil {
		return nil, faults.Handler(nil, "agent window %s closed without a result", agentID)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, faults.Handler(nil, "agent window %s left an unreadable exit marker", agentID)
	}
	if code == agentExitSuccess {
		return &SpawnResult{Text: "agent window closed"}, nil
	}
	return nil, agentErrFromExit(agentID, code, "agent window closed")
}

// cancel interrupts the agent, waits out the grace period, then removes
// the window. Runs on a detached context so shutdown can still reach
// tmux.
func (r *TmuxRunner) cancel(target string, cause error, log *logger.Logger) {
	reason := "worker shutting down"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "run deadline exceeded"
	}
	log.Warn("interrupting agent window", "target", target, "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Grace+5*time.Second)
	defer cancel()
	_, _ = r.tmux(ctx, "send-keys", "-t", target, "C-c")
	time.Sleep(r.opts.Grace)
	r.killWindow(target)
}

func (r *TmuxRunner) ensureSession(ctx context.Context, session string) error {
	if _, err := r.tmux(ctx, "has-session", "-t", session); err == nil {
		return nil
	}
	_, err := r.tmux(ctx, "new-session", "-d", "-s", session)
	return err
}

func (r *TmuxRunner) openWindow(ctx context.Context, session, window, workDir string) error {
	_, err := r.tmux(ctx, "new-window", "-t", session, "-n", window, "-c", workDir)
	return err
}

func (r *TmuxRunner) paneAlive(ctx context.Context, target string) bool {
	_, err := r.tmux(ctx, "list-panes", "-t", target)
	return err == nil
}

func (r *TmuxRunner) killWindow(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = r.tmux(ctx, "kill-window", "-t", target)
}

func (r *TmuxRunner) tmux(ctx context.Context, args ...string) (string, error) {
	out, err := r.run(ctx, "tmux", args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", faults.Validation("tmux is not installed on this worker")
		}
		return string(out), faults.Handler(err, "tmux %s failed: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// paneCommand builds the single line sent to the pane shell. Identifier
// values are asserted upstream; paths are quoted; the trailing exit
// closes the window when the agent finishes.
func (r *TmuxRunner) paneCommand(req SpawnRequest, promptPath, resultPath, exitPath string) string {
	env := map[string]string{
		"TENANT_ID":   req.TenantID,
		"RUN_ID":      req.RunID,
		"NODE_ID":     req.NodeID,
		"AGENT_ID":    req.AgentID,
		"AGENT_TYPE":  req.AgentType,
		"PROMPT_FILE": promptPath,
		"RESULT_FILE": resultPath,
	}
	for k, v := range req.Env {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellQuote(env[k]))
		b.WriteByte(' ')
	}
	b.WriteString(r.opts.AgentCommand)
	fmt.Fprintf(&b, " > %s 2>&1; echo $? > %s; exit",
		shellQuote(filepath.Join(req.WorkDir, "agent-"+req.AgentID+".log")),
		shellQuote(exitPath))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
