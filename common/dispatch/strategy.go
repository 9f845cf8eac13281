package dispatch

import (
	"context"
	"encoding/json"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/models"
)

// JobContext carries the per-job execution scope handed to a strategy.
// Strategies write only under WorkspaceDir and ArtifactPrefix.
type JobContext struct {
	JobID          string
	TenantID       string
	WorkspaceDir   string
	ArtifactPrefix string

	// NodeID is set when the execution is one workflow node firing
	// rather than a whole job.
	NodeID string

	// Heartbeat extends the queue lease and touches the job record.
	// Long-running handlers call it between phases; the engine also
	// drives it on a timer while the handler runs.
	Heartbeat func(ctx context.Context) error
}

// Result is what a completed job hands back to the engine. ResultJSON is
// persisted as the job's result blob; the rest feeds trails and findings.
type Result struct {
	ResultJSON    json.RawMessage
	ResultText    string
	FilesModified []string
	Findings      []models.Finding
}

// Strategy executes claimed jobs. Implementations: in-process registry,
// task launch, tmux panes.
type Strategy interface {
	// Registered reports whether this strategy can execute the type.
	Registered(jobType string) bool

	// Execute runs the job to completion or error. The context carries
	// the job deadline and is cancelled on worker shutdown.
	Execute(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error)
}

// HandlerFunc is an in-process job handler.
type HandlerFunc func(ctx context.Context, jc *JobContext, payload json.RawMessage) (*Result, error)

// Registry is the in-process strategy: a fixed table of handlers built at
// startup. It re-checks the payload schema before invoking the handler so
// messages that bypassed the submit path get the same screening.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. The type must name a declared
// payload schema; binding an unknown type is a startup bug.
func (r *Registry) Register(jobType string, fn HandlerFunc) {
	if _, ok := Schemas[jobType]; !ok {
		panic("dispatch: no payload schema declared for job type " + jobType)
	}
	r.handlers[jobType] = fn
}

// Registered reports whether a handler is bound for the type.
func (r *Registry) Registered(jobType string) bool {
	_, ok := r.handlers[jobType]
	return ok
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Execute validates the payload and runs the bound handler.
func (r *Registry) Execute(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
	fn, ok := r.handlers[job.Type]
	if !ok {
		return nil, faults.Validation("unknown job type %q", job.Type)
	}
	if err := ValidatePayload(job.Type, job.Payload); err != nil {
		return nil, err
	}
	return fn(ctx, jc, job.Payload)
}
