package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

const (
	localTailBytes   = 4096
	localRetainDone  = 10 * time.Minute
	defaultStopGrace = 5 * time.Second
)

type localTask struct {
	cmd  *exec.Cmd
	done chan struct{}
	tail *tailBuffer

	mu         sync.Mutex
	exitCode   int
	stopReason string
	endedAt    time.Time
}

// LocalLauncher runs tasks as subprocesses of the calling service. It
// covers development and single-host deployments; the task id is only
// meaningful within this process.
type LocalLauncher struct {
	command []string
	grace   time.Duration
	log     Logger

	mu    sync.Mutex
	tasks map[string]*localTask
}

// NewLocalLauncher creates a subprocess launcher. command is the argv
// used when a spec carries no override; it may be empty if every spec
// overrides.
func NewLocalLauncher(command string, grace time.Duration, log Logger) *LocalLauncher {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &LocalLauncher{
		command: strings.Fields(command),
		grace:   grace,
		log:     log,
		tasks:   make(map[string]*localTask),
	}
}

// Launch starts the subprocess. The process is detached from ctx: it
// keeps running after Launch returns and is reaped by a goroutine.
func (l *LocalLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if err := spec.Check(); err != nil {
		return "", err
	}

	argv := spec.Command
	if len(argv) == 0 {
		argv = l.command
	}
	if len(argv) == 0 {
		return "", faults.Validation("local launcher has no command configured and the spec carries no override")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	tail := &tailBuffer{max: localTailBytes}
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", faults.Validation("task command %q not found", argv[0])
		}
		return "", faults.Permanent(err, "failed to start local task")
	}

	id := "local-" + uuid.NewString()[:8]
	task := &localTask{cmd: cmd, done: make(chan struct{}), tail: tail}

	l.mu.Lock()
	l.purgeLocked()
	l.tasks[id] = task
	l.mu.Unlock()

	go l.reap(id, task)

	l.log.Info("launched local task", "task_id", id, "pid", cmd.Process.Pid, "command", argv[0])
	return id, nil
}

// Status reports the task state. Reason carries the stop reason when
// Stop was called, otherwise the last output line of a failed task.
func (l *LocalLauncher) Status(ctx context.Context, id string) (Status, error) {
	l.mu.Lock()
	task, ok := l.tasks[id]
	l.mu.Unlock()
	if !ok {
		return Status{}, faults.NotFound("local task %s not found", id)
	}

	select {
	case <-task.done:
	default:
		return Status{State: StateRunning}, nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	st := Status{State: StateStopped, Done: true, ExitCode: task.exitCode, Reason: task.stopReason}
	if st.Reason == "" && st.ExitCode != 0 {
		st.Reason = task.tail.lastLine()
	}
	return st, nil
}

// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
// Stopping an already finished task is a no-op.
func (l *LocalLauncher) Stop(ctx context.Context, id string, reason string) error {
	l.mu.Lock()
	task, ok := l.tasks[id]
	l.mu.Unlock()
	if !ok {
		return faults.NotFound("local task %s not found", id)
	}

	select {
	case <-task.done:
		return nil
	default:
	}

	task.mu.Lock()
	if task.stopReason == "" {
		task.stopReason = reason
	}
	task.mu.Unlock()

	if err := task.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return faults.Permanent(err, "failed to signal local task %s", id)
	}
	l.log.Info("stopping local task", "task_id", id, "reason", reason, "grace", l.grace)

	go func() {
		select {
		case <-task.done:
		case <-time.After(l.grace):
			l.log.Warn("local task ignored SIGTERM, killing", "task_id", id)
			_ = task.cmd.Process.Kill()
		}
	}()
	return nil
}

func (l *LocalLauncher) reap(id string, task *localTask) {
	err := task.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	task.mu.Lock()
	task.exitCode = code
	task.endedAt = time.Now()
	if code == -1 && task.stopReason == "" && err != nil {
		task.stopReason = err.Error()
	}
	task.mu.Unlock()
	close(task.done)

	l.log.Debug("local task finished", "task_id", id, "exit_code", code)
}

// purgeLocked drops finished tasks older than the retention window.
// Callers hold l.mu.
func (l *LocalLauncher) purgeLocked() {
	cutoff := time.Now().Add(-localRetainDone)
	for id, task := range l.tasks {
		select {
		case <-task.done:
			task.mu.Lock()
			old := task.endedAt.Before(cutoff)
			task.mu.Unlock()
			if old {
				delete(l.tasks, id)
			}
		default:
		}
	}
}

// mergeEnv overlays overrides onto base, keeping one entry per key so
// libc getenv semantics cannot resurrect a shadowed value.
func mergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		k := kv[:eq]
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = kv[eq+1:]
	}
	for k, v := range overrides {
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return out
}

// tailBuffer keeps the last max bytes written through it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) lastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(string(b.buf), "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
