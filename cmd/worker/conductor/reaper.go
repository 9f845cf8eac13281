package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/retry"
	"github.com/anthive/orchestrator/common/telemetry"
)

// reapBatch bounds how many active runs one sweep examines.
const reapBatch = 200

// ReaperStore is the run-store slice the reaper needs.
// *repository.RunRepository satisfies it.
type ReaperStore interface {
	ListActive(ctx context.Context, limit int) ([]*models.Run, error)
	Finish(ctx context.Context, runID string, status models.RunStatus, output json.RawMessage) error
}

// Reaper fails runs whose conductor stopped writing. A live conductor
// touches its run on every firing, merge, and phase change, so a
// non-terminal run unwritten past the threshold has no conductor behind
// it anymore and would otherwise sit pending or running forever.
type Reaper struct {
	runs      ReaperStore
	decisions DecisionLog
	after     time.Duration
	metrics   *telemetry.Metrics
	log       *logger.Logger
}

// NewReaper wires a reaper. after is how long a run may go unwritten
// before it counts as stranded; it must comfortably exceed the longest
// node firing, or the reaper will fail runs that are merely slow.
func NewReaper(runs ReaperStore, decisions DecisionLog, after time.Duration, metrics *telemetry.Metrics, log *logger.Logger) *Reaper {
	if after <= 0 {
		after = 30 * time.Minute
	}
	return &Reaper{
		runs:      runs,
		decisions: decisions,
		after:     after,
		metrics:   metrics,
		log:       log,
	}
}

// Sweep fails every stranded run and reports how many it reaped. A
// failed write on one run is logged and skipped; the run stays active
// and the next sweep retries it.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	active, err := r.runs.ListActive(ctx, reapBatch)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-r.after)
	reaped := 0
	for _, run := range active {
		if run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.reap(ctx, run, now); err != nil {
			r.log.Error("run reap failed",
				"run_id", run.ID,
				"tenant_id", run.TenantID,
				"error", err,
			)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.log.Info("stranded runs reaped", "count", reaped, "threshold", r.after.String())
	}
	return reaped, nil
}

// reap closes out one stranded run: an abort entry in the decision
// trail, then a failed-terminal write carrying whatever context the
// dead conductor managed to persist. The trail append is best effort.
func (r *Reaper) reap(ctx context.Context, run *models.Run, now time.Time) error {
	silence := now.Sub(run.UpdatedAt).Round(time.Second)
	d := &models.Decision{
		RunID:  run.ID,
		Kind:   models.DecisionAbort,
		Reason: fmt.Sprintf("run abandoned: no conductor write for %s", silence),
	}
	if err := retry.Do(ctx, func() error { return r.decisions.Append(ctx, d) }); err != nil {
		r.log.Warn("decision append failed", "run_id", run.ID, "error", err)
	}

	if err := retry.Do(ctx, func() error {
		return r.runs.Finish(ctx, run.ID, models.RunFailed, run.Context)
	}); err != nil {
		return err
	}

	r.metrics.RunsReaped.Inc()
	r.log.Warn("run reaped",
		"run_id", run.ID,
		"tenant_id", run.TenantID,
		"status", string(run.Status),
		"silent_for", silence.String(),
	)
	return nil
}
