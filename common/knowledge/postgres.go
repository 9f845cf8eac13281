package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
)

// PostgresStore persists heuristics and failures.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a postgres-backed knowledge store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

const heuristicColumns = `id, tenant_id, domain, content, confidence,
		       validated_count, violated_count, golden, created_at, updated_at`

// GoldenRules returns the tenant's golden heuristics, strongest first
func (s *PostgresStore) GoldenRules(ctx context.Context, tenantID string) ([]Heuristic, error) {
	query := `
		SELECT ` + heuristicColumns + `
		FROM heuristics
		WHERE tenant_id = $1 AND golden
		ORDER BY confidence DESC, validated_count DESC
	`
	return s.queryHeuristics(ctx, query, tenantID)
}

// Heuristics returns non-golden heuristics by confidence, then history
func (s *PostgresStore) Heuristics(ctx context.Context, tenantID string, limit int) ([]Heuristic, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT ` + heuristicColumns + `
		FROM heuristics
		WHERE tenant_id = $1 AND NOT golden
		ORDER BY confidence DESC, validated_count DESC
		LIMIT $2
	`
	return s.queryHeuristics(ctx, query, tenantID, limit)
}

func (s *PostgresStore) queryHeuristics(ctx context.Context, query string, args ...any) ([]Heuristic, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.Transient(err, "failed to query heuristics")
	}
	defer rows.Close()

	var out []Heuristic
	for rows.Next() {
		var h Heuristic
		err := rows.Scan(
			&h.ID, &h.TenantID, &h.Domain, &h.Content, &h.Confidence,
			&h.ValidatedCount, &h.ViolatedCount, &h.Golden, &h.CreatedAt, &h.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan heuristic: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "error iterating heuristics")
	}
	return out, nil
}

// InsertHeuristic stores a new heuristic
func (s *PostgresStore) InsertHeuristic(ctx context.Context, h *Heuristic) error {
	query := `
		INSERT INTO heuristics (id, tenant_id, domain, content, confidence,
		                        validated_count, violated_count, golden, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.Exec(ctx, query,
		h.ID, h.TenantID, string(h.Domain), h.Content, h.Confidence,
		h.ValidatedCount, h.ViolatedCount, h.Golden, h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		return faults.Transient(err, "failed to insert heuristic")
	}
	return nil
}

// RecentFailures returns failures since the cutoff, newest first
func (s *PostgresStore) RecentFailures(ctx context.Context, tenantID string, since time.Time, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, title, summary, domain, COALESCE(tags, '[]'::jsonb), created_at
		FROM failures
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, tenantID, since, limit)
	if err != nil {
		return nil, faults.Transient(err, "failed to query failures")
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var tags []byte
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Title, &f.Summary, &f.Domain, &tags, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		if err := json.Unmarshal(tags, &f.Tags); err != nil {
			return nil, faults.Permanent(err, "corrupt failure tags for %s", f.ID)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "error iterating failures")
	}
	return out, nil
}

// InsertFailure stores a failure record
func (s *PostgresStore) InsertFailure(ctx context.Context, f *Failure) error {
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode failure tags: %w", err)
	}
	query := `
		INSERT INTO failures (id, tenant_id, title, summary, domain, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.Exec(ctx, query,
		f.ID, f.TenantID, f.Title, f.Summary, string(f.Domain), tags, f.CreatedAt,
	)
	if err != nil {
		return faults.Transient(err, "failed to insert failure")
	}
	return nil
}

// MarkValidated bumps counts and confidence, then promotes any
// heuristic that crossed the golden bar. Both statements commit
// together.
func (s *PostgresStore) MarkValidated(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return faults.Transient(err, "failed to begin validation")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE heuristics
		SET validated_count = validated_count + 1,
		    confidence      = LEAST(1.0, confidence + 0.05),
		    updated_at      = now()
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return faults.Transient(err, "failed to validate heuristics")
	}

	_, err = tx.Exec(ctx, `
		UPDATE heuristics
		SET golden = TRUE, updated_at = now()
		WHERE tenant_id = $1 AND id = ANY($2)
		  AND NOT golden AND confidence >= 0.9 AND validated_count >= 10
	`, tenantID, ids)
	if err != nil {
		return faults.Transient(err, "failed to promote heuristics")
	}

	if err := tx.Commit(ctx); err != nil {
		return faults.Transient(err, "failed to commit validation")
	}
	return nil
}

// MarkViolated bumps violation counts and drops confidence
func (s *PostgresStore) MarkViolated(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE heuristics
		SET violated_count = violated_count + 1,
		    confidence     = GREATEST(0.0, confidence - 0.1),
		    updated_at     = now()
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return faults.Transient(err, "failed to violate heuristics")
	}
	return nil
}
