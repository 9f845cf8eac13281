package nodes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/tasks"
)

// Agent workloads follow the worker exit contract: 0 success, 1 agent
// failure, 2 configuration error, anything else a crash.
const (
	agentExitSuccess  = 0
	agentExitFailure  = 1
	agentExitBadSetup = 2
)

// TaskRunnerOptions tunes the task-launch runner.
type TaskRunnerOptions struct {
	// TaskDefinition names the agent workload: an ECS family[:revision]
	// or the command for the local driver.
	TaskDefinition string
	// Command overrides the workload entrypoint when set.
	Command []string
	// PollInterval is the status poll cadence.
	PollInterval time.Duration
	// StopGrace bounds how long Stop may take during cancellation.
	StopGrace time.Duration
}

// TaskRunner spawns each agent as a launched task. The prompt travels
// as a file in the node workspace, the agent writes its result document
// next to it, and the environment carries only identifier-typed values.
type TaskRunner struct {
	launcher tasks.Launcher
	log      *logger.Logger
	opts     TaskRunnerOptions
}

// NewTaskRunner wires a task-launch runner.
func NewTaskRunner(launcher tasks.Launcher, log *logger.Logger, opts TaskRunnerOptions) *TaskRunner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	return &TaskRunner{launcher: launcher, log: log, opts: opts}
}

// Spawn launches the agent task and polls it to completion.
func (r *TaskRunner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	promptPath := filepath.Join(req.WorkDir, "prompt-"+req.AgentID+".md")
	resultPath := filepath.Join(req.WorkDir, "result-"+req.AgentID+".json")
	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0o600); err != nil {
		return nil, faults.Transient(err, "failed to write prompt file for agent %s", req.AgentID)
	}
	defer os.Remove(promptPath)

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

	id, err := r.launcher.Launch(ctx, tasks.LaunchSpec{
		TaskDefinition: r.opts.TaskDefinition,
		Command:        r.opts.Command,
		Env:            env,
		WorkDir:        req.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	log := r.log.WithTenant(req.TenantID).WithRunID(req.RunID)
	log.Info("agent task launched", "agent_id", req.AgentID, "task_id", id)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stop(id, ctx.Err())
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, serr := r.launcher.Status(ctx, id)
		if serr != nil {
			if faults.Is(serr, faults.KindNotFound) {
				return nil, faults.Handler(nil, "agent task %s disappeared before finishing", id)
			}
			log.Warn("agent status poll failed", "task_id", id, "error", serr)
			continue
		}
		if req.Heartbeat != nil {
			if herr := req.Heartbeat(ctx); herr != nil {
				log.Warn("heartbeat failed during agent poll", "task_id", id, "error", herr)
			}
		}
		if st.Done {
			return collectAgent(req.AgentID, resultPath, st)
		}
	}
}

// collectAgent reads the result document the agent wrote, falling back
// to the exit record when there is none.
func collectAgent(agentID, resultPath string, st tasks.Status) (*SpawnResult, error) {
	doc, err := os.ReadFile(resultPath)
	if err == nil {
		if st.ExitCode != agentExitSuccess {
			// The agent wrote a result and still failed; trust the exit
			// record.
			return nil, agentErrFromExit(agentID, st.ExitCode, st.Reason)
		}
		return spawnResultFromDoc(agentID, doc)
	}
	if !os.IsNotExist(err) {
		return nil, faults.Transient(err, "failed to read result for agent %s", agentID)
	}
	if st.ExitCode == agentExitSuccess {
		return &SpawnResult{Text: st.Reason}, nil
	}
	return nil, agentErrFromExit(agentID, st.ExitCode, st.Reason)
}

// spawnResultFromDoc maps the agent's result document onto the spawn
// contract.
func spawnResultFromDoc(agentID string, doc []byte) (*SpawnResult, error) {
	if !gjson.ValidBytes(doc) {
		return nil, faults.Handler(nil, "agent %s wrote an invalid result document", agentID)
	}
	return &SpawnResult{
		Text:       gjson.GetBytes(doc, "result_text").String(),
		ResultDoc:  doc,
		SessionID:  gjson.GetBytes(doc, "session_id").String(),
		TokenCount: gjson.GetBytes(doc, "token_count").Int(),
	}, nil
}

func agentErrFromExit(agentID string, exitCode int, reason string) error {
	if reason == "" {
		reason = "no diagnostic captured"
	}
	switch exitCode {
	case agentExitFailure:
		return faults.Handler(nil, "agent %s failed: %s", agentID, reason)
	case agentExitBadSetup:
		return faults.Validation("agent %s reported a configuration error: %s", agentID, reason)
	default:
		return faults.Handler(nil, "agent %s crashed with exit code %d: %s", agentID, exitCode, reason)
	}
}

// stop terminates the agent task after the context ended. It runs on a
// detached context so shutdown can still reach the backend.
func (r *TaskRunner) stop(id string, cause error) {
	reason := "worker shutting down"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "run deadline exceeded"
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), r.opts.StopGrace)
	defer cancel()
	if err := r.launcher.Stop(stopCtx, id, reason); err != nil && !faults.Is(err, faults.KindNotFound) {
		r.log.Error("failed to stop agent task", "task_id", id, "error", err)
	}
}
