package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

// DecisionRepository is the append-only audit log of conductor rulings.
type DecisionRepository struct {
	db *db.DB
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(database *db.DB) *DecisionRepository {
	return &DecisionRepository{db: database}
}

// Append writes one decision. ID and timestamp are assigned here;
// decisions are never updated or deleted.
func (r *DecisionRepository) Append(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO conductor_decisions (id, run_id, kind, data, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query, d.ID, d.RunID, d.Kind, nullIfEmptyJSON(d.Data), d.Reason, d.CreatedAt)
	if err != nil {
		return faults.Transient(err, "append decision for run %s", d.RunID)
	}
	return nil
}

// ListByRun returns a run's decisions in the order they were made.
func (r *DecisionRepository) ListByRun(ctx context.Context, runID string, limit int) ([]*models.Decision, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, run_id, kind, data, reason, created_at
		FROM conductor_decisions
		WHERE run_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, runID, limit)
	if err != nil {
		return nil, faults.Transient(err, "list decisions for run %s", runID)
	}
	defer rows.Close()

	var out []*models.Decision
	for rows.Next() {
		var (
			d    models.Decision
			data []byte
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.Kind, &data, &d.Reason, &d.CreatedAt); err != nil {
			return nil, faults.Transient(err, "scan decision for run %s", runID)
		}
		d.Data = data
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate decisions for run %s", runID)
	}
	return out, nil
}
