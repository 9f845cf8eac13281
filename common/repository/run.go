package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

const runColumns = `id, workflow_id, tenant_id, status, phase, input, output, context,
	total_nodes, completed_nodes, failed_nodes, started_at, completed_at, created_at, updated_at`

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Create inserts a new workflow run
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	query := `
		INSERT INTO workflow_runs (id, workflow_id, tenant_id, status, phase, input, context,
			total_nodes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		run.ID,
		nullIfEmpty(run.WorkflowID),
		run.TenantID,
		run.Status,
		run.Phase,
		nullIfEmptyJSON(run.Input),
		nullIfEmptyJSON(run.Context),
		run.TotalNodes,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return faults.Transient(err, "create run %s", run.ID)
	}
	return nil
}

// GetByID retrieves a run scoped to its tenant.
func (r *RunRepository) GetByID(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE id = $1 AND tenant_id = $2
	`

	run, err := scanRun(r.db.QueryRow(ctx, query, runID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("run %s not found", runID)
		}
		return nil, err
	}
	return run, nil
}

// UpdateStatus moves a run through its lifecycle. Entering running
// stamps started_at once; entering a terminal status stamps
// completed_at.
func (r *RunRepository) UpdateStatus(ctx context.Context, runID string, status models.RunStatus) error {
	query := `
		UPDATE workflow_runs
		SET status = $2,
		    started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, runID, string(status))
	if err != nil {
		return faults.Transient(err, "update run %s status", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// UpdatePhase records the conductor's phase label for the run.
func (r *RunRepository) UpdatePhase(ctx context.Context, runID, phase string) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_runs SET phase = $2, updated_at = now() WHERE id = $1`, runID, phase)
	if err != nil {
		return faults.Transient(err, "update run %s phase", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// UpdateContext replaces the run's shared context document.
func (r *RunRepository) UpdateContext(ctx context.Context, runID string, doc json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_runs SET context = $2, updated_at = now() WHERE id = $1`,
		runID, nullIfEmptyJSON(doc))
	if err != nil {
		return faults.Transient(err, "update run %s context", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// Finish writes the terminal status and output in one statement.
func (r *RunRepository) Finish(ctx context.Context, runID string, status models.RunStatus, output json.RawMessage) error {
	if !status.Terminal() {
		return faults.Validation("run status %q is not terminal", status)
	}

	query := `
		UPDATE workflow_runs
		SET status = $2,
		    output = $3,
		    completed_at = COALESCE(completed_at, now()),
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, runID, string(status), nullIfEmptyJSON(output))
	if err != nil {
		return faults.Transient(err, "finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// SetTotalNodes records how many nodes the run's graph contains.
func (r *RunRepository) SetTotalNodes(ctx context.Context, runID string, total int) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_runs SET total_nodes = $2, updated_at = now() WHERE id = $1`, runID, total)
	if err != nil {
		return faults.Transient(err, "set run %s total nodes", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// BumpNodeCounts adds deltas to the run's completed and failed node
// counters.
func (r *RunRepository) BumpNodeCounts(ctx context.Context, runID string, completed, failed int) error {
	query := `
		UPDATE workflow_runs
		SET completed_nodes = completed_nodes + $2,
		    failed_nodes = failed_nodes + $3,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, runID, completed, failed)
	if err != nil {
		return faults.Transient(err, "bump run %s node counts", runID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("run %s not found", runID)
	}
	return nil
}

// List returns a tenant's runs, newest first. An empty status matches
// all statuses.
func (r *RunRepository) List(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, tenantID, string(status), limit)
	if err != nil {
		return nil, faults.Transient(err, "list runs for %s", tenantID)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate runs for %s", tenantID)
	}
	return out, nil
}

// ListActive returns every non-terminal run across tenants, oldest
// first. The worker's run reaper sweeps this set for stranded runs.
func (r *RunRepository) ListActive(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, faults.Transient(err, "list active runs")
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate active runs")
	}
	return out, nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		run                     models.Run
		workflowID              *string
		input, output, contextB []byte
	)
	err := row.Scan(
		&run.ID,
		&workflowID,
		&run.TenantID,
		&run.Status,
		&run.Phase,
		&input,
		&output,
		&contextB,
		&run.TotalNodes,
		&run.CompletedNodes,
		&run.FailedNodes,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, faults.Transient(err, "scan run")
	}
	if workflowID != nil {
		run.WorkflowID = *workflowID
	}
	run.Input = input
	run.Output = output
	run.Context = contextB
	return &run, nil
}

// nullIfEmpty maps empty strings to SQL NULL for nullable text columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullIfEmptyJSON maps empty documents to SQL NULL for nullable JSONB
// columns.
func nullIfEmptyJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	return doc
}
