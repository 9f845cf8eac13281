package executor

import (
	"context"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
)

// Mux routes each job to the first strategy claiming its type. The
// worker composes the in-process registry ahead of a launched-workload
// strategy, so handler-backed types (echo, workflow) stay in-process
// while the rest ride the deployment's execution mode.
type Mux struct {
	strategies []dispatch.Strategy
}

// NewMux combines strategies in priority order.
func NewMux(strategies ...dispatch.Strategy) *Mux {
	return &Mux{strategies: strategies}
}

// Registered reports whether any strategy claims the type.
func (m *Mux) Registered(jobType string) bool {
	for _, s := range m.strategies {
		if s.Registered(jobType) {
			return true
		}
	}
	return false
}

// Execute dispatches to the first claiming strategy.
func (m *Mux) Execute(ctx context.Context, jc *dispatch.JobContext, job *jobstore.Job) (*dispatch.Result, error) {
	for _, s := range m.strategies {
		if s.Registered(job.Type) {
			return s.Execute(ctx, jc, job)
		}
	}
	return nil, faults.Validation("no strategy accepts job type %q", job.Type)
}

var _ dispatch.Strategy = (*Mux)(nil)
