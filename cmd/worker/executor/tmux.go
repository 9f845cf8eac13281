package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/validation"
)

const (
	promptFileName = "prompt.json"
	resultFileName = "result.json"
	exitFileName   = "exit_code"
	agentLogName   = "agent.log"
)

// commandRunner executes one external command and returns its combined
// output. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// TmuxOptions tunes the tmux strategy.
type TmuxOptions struct {
	// AgentCommand is the operator-configured command line started in
	// each window. It reads PROMPT_FILE and writes RESULT_FILE.
	AgentCommand string
	// PollInterval is how often the result file and pane liveness are
	// checked.
	PollInterval time.Duration
	// Grace is the window between C-c and kill-window on cancellation.
	Grace time.Duration
}

// TmuxStrategy runs each job as an agent process inside a tmux window.
// Windows group into one session per tenant (`farm-<tenant>`); the prompt
// travels through a file in the job workspace, never through argv.
type TmuxStrategy struct {
	opts TmuxOptions
	log  *logger.Logger
	run  commandRunner
}

// NewTmuxStrategy wires a tmux strategy.
func NewTmuxStrategy(log *logger.Logger, opts TmuxOptions) *TmuxStrategy {
	if opts.AgentCommand == "" {
		opts.AgentCommand = "claude --print --dangerously-skip-permissions"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &TmuxStrategy{opts: opts, log: log, run: execRunner}
}

// Registered accepts every type with a declared payload schema.
func (s *TmuxStrategy) Registered(jobType string) bool {
	return dispatch.Registered(jobType)
}

// Execute opens a window, starts the agent command, and polls for the
// result file until the pane dies or the context ends.
func (s *TmuxStrategy) Execute(ctx context.Context, jc *dispatch.JobContext, job *jobstore.Job) (*dispatch.Result, error) {
	if err := validation.Assert(jc.JobID, validation.KindJob); err != nil {
		return nil, err
	}
	if err := validation.Assert(jc.TenantID, validation.KindTenant); err != nil {
		return nil, err
	}
	if jc.NodeID != "" {
		if err := validation.Assert(jc.NodeID, validation.KindNode); err != nil {
			return nil, err
		}
	}

	session := "farm-" + jc.TenantID
	window := windowName(jc)
	target := session + ":" + window
	log := s.log.WithTenant(jc.TenantID).WithJobID(jc.JobID)

	if err := s.writePromptFile(jc, job); err != nil {
		return nil, err
	}
	if err := s.ensureSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.openWindow(ctx, session, window, jc.WorkspaceDir); err != nil {
		return nil, err
	}
	if _, err := s.tmux(ctx, "send-keys", "-t", target, s.paneCommand(jc, job.Type), "Enter"); err != nil {
		s.killWindow(target)
		return nil, err
	}
	log.Info("agent window started", "session", session, "window", window)

	resultPath := filepath.Join(jc.WorkspaceDir, resultFileName)
	exitPath := filepath.Join(jc.WorkspaceDir, exitFileName)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancel(target, ctx.Err(), log)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if jc.Heartbeat != nil {
			if herr := jc.Heartbeat(ctx); herr != nil {
				log.Warn("heartbeat failed during agent poll", "window", window, "error", herr)
			}
		}

		if doc, err := os.ReadFile(resultPath); err == nil {
			s.killWindow(target)
			log.Info("agent wrote result", "window", window, "bytes", len(doc))
			return resultFromJSON(doc), nil
		}

		if !s.paneAlive(ctx, target) {
			return s.collectExit(window, exitPath, resultPath)
		}
	}
}

// collectExit settles a job whose window closed. A late result file still
// wins; otherwise the exit marker decides.
func (s *TmuxStrategy) collectExit(window, exitPath, resultPath string) (*dispatch.Result, error) {
	if doc, err := os.ReadFile(resultPath); err == nil {
		return resultFromJSON(doc), nil
	}
	raw, err := os.ReadFile(exitPath)
	if err != nil {
		return nil, faults.Handler(nil, "agent window %s closed without a result", window)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, faults.Handler(nil, "agent window %s left an unreadable exit marker", window)
	}
	return resultFromExit(window, code, "agent window closed")
}

// cancel interrupts the agent, waits out the grace period, then removes
// the window. Runs on a detached context so shutdown can still reach
// tmux.
func (s *TmuxStrategy) cancel(target string, cause error, log *logger.Logger) {
	reason := "worker shutting down"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "job deadline exceeded"
	}
	log.Warn("interrupting agent window", "target", target, "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Grace+5*time.Second)
	defer cancel()
	_, _ = s.tmux(ctx, "send-keys", "-t", target, "C-c")
	time.Sleep(s.opts.Grace)
	s.killWindow(target)
}

func (s *TmuxStrategy) ensureSession(ctx context.Context, session string) error {
	if _, err := s.tmux(ctx, "has-session", "-t", session); err == nil {
		return nil
	}
	_, err := s.tmux(ctx, "new-session", "-d", "-s", session)
	return err
}

func (s *TmuxStrategy) openWindow(ctx context.Context, session, window, workDir string) error {
	_, err := s.tmux(ctx, "new-window", "-t", session, "-n", window, "-c", workDir)
	return err
}

func (s *TmuxStrategy) paneAlive(ctx context.Context, target string) bool {
	_, err := s.tmux(ctx, "list-panes", "-t", target)
	return err == nil
}

func (s *TmuxStrategy) killWindow(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.tmux(ctx, "kill-window", "-t", target)
}

func (s *TmuxStrategy) tmux(ctx context.Context, args ...string) (string, error) {
	out, err := s.run(ctx, "tmux", args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", faults.Validation("tmux is not installed on this worker")
		}
		return string(out), faults.Handler(err, "tmux %s failed: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// writePromptFile persists the machine-readable prompt the agent command
// reads. Payload content only ever travels through this file.
func (s *TmuxStrategy) writePromptFile(jc *dispatch.JobContext, job *jobstore.Job) error {
	doc, err := json.Marshal(struct {
		JobID      string          `json:"job_id"`
		TenantID   string          `json:"tenant_id"`
		JobType    string          `json:"job_type"`
		NodeID     string          `json:"node_id,omitempty"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		ResultFile string          `json:"result_file"`
	}{
		JobID:      jc.JobID,
		TenantID:   jc.TenantID,
		JobType:    job.Type,
		NodeID:     jc.NodeID,
		Payload:    job.Payload,
		ResultFile: resultFileName,
	})
	if err != nil {
		return faults.Permanent(err, "failed to encode prompt file")
	}
	path := filepath.Join(jc.WorkspaceDir, promptFileName)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		return faults.Handler(err, "failed to write prompt file")
	}
	return nil
}

// paneCommand builds the single line sent to the pane shell. Identifier
// values are asserted upstream; paths are quoted; the trailing exit
// closes the window when the agent finishes.
func (s *TmuxStrategy) paneCommand(jc *dispatch.JobContext, jobType string) string {
	env := baseEnv(jc, jobType)
	env["PROMPT_FILE"] = filepath.Join(jc.WorkspaceDir, promptFileName)
	env["RESULT_FILE"] = filepath.Join(jc.WorkspaceDir, resultFileName)

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
	b.WriteString(s.opts.AgentCommand)
	fmt.Fprintf(&b, " > %s 2>&1; echo $? > %s; exit",
		shellQuote(filepath.Join(jc.WorkspaceDir, agentLogName)),
		shellQuote(filepath.Join(jc.WorkspaceDir, exitFileName)))
	return b.String()
}

// windowName derives a stable window label from validated identifiers.
func windowName(jc *dispatch.JobContext) string {
	short := jc.JobID
	if len(short) > 8 {
		short = short[:8]
	}
	if jc.NodeID != "" {
		return jc.NodeID + "-" + short
	}
	return "job-" + short
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
