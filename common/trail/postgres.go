package trail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
)

// PostgresStore persists trails in the trails table.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a postgres-backed trail store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Insert writes the batch in one implicit transaction; either every
// trail in the batch is committed or none is.
func (s *PostgresStore) Insert(ctx context.Context, trails []Trail) error {
	if len(trails) == 0 {
		return nil
	}

	query := `
		INSERT INTO trails (id, tenant_id, run_id, location, location_kind, scent,
		                    strength, agent_id, node_id, message, tags, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	batch := &pgx.Batch{}
	for _, t := range trails {
		tags, err := json.Marshal(t.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode trail tags: %w", err)
		}
		batch.Queue(query,
			t.ID, t.TenantID, nullIfEmpty(t.RunID), t.Location, string(t.LocationKind),
			string(t.Scent), t.Strength, t.AgentID, t.NodeID, t.Message, tags,
			t.CreatedAt, t.ExpiresAt,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range trails {
		if _, err := results.Exec(); err != nil {
			return faults.Transient(err, "failed to insert trail batch")
		}
	}
	return nil
}

// Query returns live trails for the tenant, newest first
func (s *PostgresStore) Query(ctx context.Context, tenantID string, q Query) ([]Trail, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, tenant_id, COALESCE(run_id, ''), location, location_kind, scent,
		       strength, agent_id, node_id, message, COALESCE(tags, '[]'::jsonb),
		       created_at, expires_at
		FROM trails
		WHERE tenant_id = $1
		  AND created_at >= $2
		  AND (expires_at IS NULL OR expires_at > $3)
	`)

	args := []any{tenantID, q.Since, time.Now().UTC()}
	if q.Location != "" {
		args = append(args, q.Location)
		fmt.Fprintf(&sb, " AND location = $%d", len(args))
	}
	if q.Scent != "" {
		args = append(args, string(q.Scent))
		fmt.Fprintf(&sb, " AND scent = $%d", len(args))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, faults.Transient(err, "failed to query trails")
	}
	defer rows.Close()

	var trails []Trail
	for rows.Next() {
		var t Trail
		var tags []byte
		err := rows.Scan(
			&t.ID, &t.TenantID, &t.RunID, &t.Location, &t.LocationKind, &t.Scent,
			&t.Strength, &t.AgentID, &t.NodeID, &t.Message, &tags,
			&t.CreatedAt, &t.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trail: %w", err)
		}
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return nil, faults.Permanent(err, "corrupt trail tags for %s", t.ID)
		}
		trails = append(trails, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "error iterating trails")
	}
	return trails, nil
}

// DeleteExpired drops trails past their expires_at
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM trails WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, faults.Transient(err, "failed to delete expired trails")
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
