package tasks

import (
	"context"

	"github.com/anthive/orchestrator/common/faults"
)

// Task lifecycle states as reported by Status.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateStopped = "stopped"
)

// LaunchSpec describes one task to launch. Identifier-typed values in
// Env must be validated upstream; Check re-screens the whole spec at
// this boundary and reports violations as security faults.
type LaunchSpec struct {
	// TaskDefinition names what to run: an ECS task definition family
	// (optionally family:revision) or, for the local driver, an override
	// of the configured command.
	TaskDefinition string

	// Command optionally overrides the container or process argv.
	Command []string

	// Env is injected into the task environment.
	Env map[string]string

	// WorkDir is the working directory for local processes. Ignored by
	// container drivers.
	WorkDir string
}

// Status is a point-in-time view of a launched task.
type Status struct {
	State    string
	Done     bool
	ExitCode int    // meaningful only when Done
	Reason   string // backend stop reason or captured diagnostic
}

// Launcher is the task-launch primitive: fire-and-poll execution of a
// named workload with a controlled environment.
// Implementations: ECS RunTask, local subprocess.
type Launcher interface {
	// Launch starts the task and returns a backend task id.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Status reports the current state of a launched task.
	Status(ctx context.Context, id string) (Status, error)

	// Stop requests termination. Implementations deliver a graceful
	// signal first and escalate after a grace period.
	Stop(ctx context.Context, id string, reason string) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Check screens the spec before anything reaches a subprocess argv or a
// container override. Values that fail here were never validated at
// ingress, so failures carry the security fault kind.
func (s LaunchSpec) Check() error {
	if s.TaskDefinition == "" {
		return faults.Validation("launch spec has no task definition")
	}
	if !wellFormedTaskDef(s.TaskDefinition) {
		return faults.Security("task definition %q contains forbidden characters", s.TaskDefinition)
	}
	for k, v := range s.Env {
		if !wellFormedEnvKey(k) {
			return faults.Security("launch env key %q is malformed", k)
		}
		if containsControl(v) {
			return faults.Security("launch env value for %q contains control characters", k)
		}
	}
	for _, arg := range s.Command {
		if containsControl(arg) {
			return faults.Security("launch command argument contains control characters")
		}
	}
	return nil
}

// wellFormedTaskDef accepts ECS family[:revision] grammar, which also
// covers plain command names for the local driver.
func wellFormedTaskDef(s string) bool {
	if len(s) > 255 || s[0] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':' || c == '/':
		default:
			return false
		}
	}
	return true
}

func wellFormedEnvKey(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func containsControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}
