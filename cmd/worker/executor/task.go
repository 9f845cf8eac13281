package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/tasks"
	"github.com/anthive/orchestrator/common/validation"
)

// TaskOptions tunes the task-launch strategy.
type TaskOptions struct {
	// TaskDefinition names the workload: an ECS family[:revision] or the
	// command for the local driver.
	TaskDefinition string
	// PollInterval is the status poll cadence.
	PollInterval time.Duration
	// CredentialRefs are provider credential env var NAMES forwarded to
	// the task. Values are resolved inside the task environment, never
	// here.
	CredentialRefs []string
	// StopGrace bounds how long Stop may take during cancellation.
	StopGrace time.Duration
}

// TaskStrategy executes jobs as launched tasks: it fires the workload
// with a controlled environment, polls status with heartbeats, then reads
// the result blob the task wrote, or synthesizes one from the exit
// record.
type TaskStrategy struct {
	launcher tasks.Launcher
	blobs    blob.Store
	log      *logger.Logger
	opts     TaskOptions
}

// NewTaskStrategy wires a task-launch strategy.
func NewTaskStrategy(launcher tasks.Launcher, blobs blob.Store, log *logger.Logger, opts TaskOptions) *TaskStrategy {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	return &TaskStrategy{launcher: launcher, blobs: blobs, log: log, opts: opts}
}

// Registered accepts every type with a declared payload schema; the
// launched workload reads the job record and dispatches on JOB_TYPE.
func (s *TaskStrategy) Registered(jobType string) bool {
	return dispatch.Registered(jobType)
}

// Execute launches the task and polls it to completion.
func (s *TaskStrategy) Execute(ctx context.Context, jc *dispatch.JobContext, job *jobstore.Job) (*dispatch.Result, error) {
	if err := validation.Assert(jc.JobID, validation.KindJob); err != nil {
		return nil, err
	}
	if err := validation.Assert(jc.TenantID, validation.KindTenant); err != nil {
		return nil, err
	}

	env := baseEnv(jc, job.Type)
	if len(s.opts.CredentialRefs) > 0 {
		env["CREDENTIAL_REFS"] = strings.Join(s.opts.CredentialRefs, ",")
	}

	id, err := s.launcher.Launch(ctx, tasks.LaunchSpec{
		TaskDefinition: s.opts.TaskDefinition,
		Env:            env,
		WorkDir:        jc.WorkspaceDir,
	})
	if err != nil {
		return nil, err
	}

	log := s.log.WithTenant(jc.TenantID).WithJobID(jc.JobID)
	log.Info("task launched", "task_id", id, "task_definition", s.opts.TaskDefinition)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stop(id, ctx.Err())
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, serr := s.launcher.Status(ctx, id)
		if serr != nil {
			if faults.Is(serr, faults.KindNotFound) {
				return nil, faults.Handler(nil, "task %s disappeared before finishing", id)
			}
			log.Warn("task status poll failed", "task_id", id, "error", serr)
			continue
		}

		if jc.Heartbeat != nil {
			if herr := jc.Heartbeat(ctx); herr != nil {
				log.Warn("heartbeat failed during task poll", "task_id", id, "error", herr)
			}
		}

		if st.Done {
			return s.collect(ctx, jc, id, st)
		}
	}
}

// collect reads the result blob the task wrote, falling back to the exit
// record when there is none.
func (s *TaskStrategy) collect(ctx context.Context, jc *dispatch.JobContext, taskID string, st tasks.Status) (*dispatch.Result, error) {
	doc, err := s.blobs.Get(ctx, resultKey(jc))
	if err == nil {
		if st.ExitCode != exitSuccess {
			// The workload wrote a result and still failed; trust the
			// exit record.
			return resultFromExit(taskID, st.ExitCode, st.Reason)
		}
		return resultFromJSON(doc), nil
	}
	if !faults.Is(err, faults.KindNotFound) {
		return nil, err
	}
	return resultFromExit(taskID, st.ExitCode, st.Reason)
}

// stop terminates the task after the executor context ended. It runs on
// a detached context so shutdown can still reach the backend.
func (s *TaskStrategy) stop(id string, cause error) {
	reason := "worker shutting down"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "job deadline exceeded"
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace)
	defer cancel()
	if err := s.launcher.Stop(stopCtx, id, reason); err != nil && !faults.Is(err, faults.KindNotFound) {
		s.log.Error("failed to stop task", "task_id", id, "error", err)
	}
}
