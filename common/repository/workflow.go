package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

// WorkflowRepository persists workflow definitions. Nodes and edges are
// stored as JSONB documents; names are unique per tenant.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create validates and inserts a new workflow definition.
func (r *WorkflowRepository) Create(ctx context.Context, w *models.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	nodes, edges, err := marshalGraph(w)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (id, tenant_id, name, description, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query, w.ID, w.TenantID, w.Name, w.Description, nodes, edges, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faults.Conflict("workflow %q already exists for tenant %s", w.Name, w.TenantID)
		}
		return faults.Transient(err, "create workflow %q", w.Name)
	}
	return nil
}

// GetByID retrieves a workflow scoped to its tenant.
func (r *WorkflowRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Workflow, error) {
	query := `
		SELECT id, tenant_id, name, description, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE id = $1 AND tenant_id = $2
	`
	return r.scanOne(r.db.QueryRow(ctx, query, id, tenantID), id)
}

// GetByName retrieves a workflow by its per-tenant unique name.
func (r *WorkflowRepository) GetByName(ctx context.Context, tenantID, name string) (*models.Workflow, error) {
	query := `
		SELECT id, tenant_id, name, description, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE tenant_id = $1 AND name = $2
	`
	return r.scanOne(r.db.QueryRow(ctx, query, tenantID, name), name)
}

// List returns a tenant's workflows, most recently updated first.
func (r *WorkflowRepository) List(ctx context.Context, tenantID string, limit int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, name, description, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE tenant_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, faults.Transient(err, "list workflows for %s", tenantID)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate workflows for %s", tenantID)
	}
	return out, nil
}

// Update replaces the definition's mutable fields. The caller supplies
// the full desired state; the definition is re-validated before the
// write.
func (r *WorkflowRepository) Update(ctx context.Context, w *models.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	nodes, edges, err := marshalGraph(w)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflows
		SET name = $3, description = $4, nodes = $5, edges = $6, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`

	tag, err := r.db.Exec(ctx, query, w.ID, w.TenantID, w.Name, w.Description, nodes, edges)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faults.Conflict("workflow %q already exists for tenant %s", w.Name, w.TenantID)
		}
		return faults.Transient(err, "update workflow %s", w.ID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("workflow %s not found", w.ID)
	}
	return nil
}

// Delete removes a workflow definition. Runs keep their copy of the
// graph, so history survives the delete.
func (r *WorkflowRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return faults.Transient(err, "delete workflow %s", id)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("workflow %s not found", id)
	}
	return nil
}

func (r *WorkflowRepository) scanOne(row pgx.Row, ref string) (*models.Workflow, error) {
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("workflow %s not found", ref)
		}
		return nil, err
	}
	return w, nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		w            models.Workflow
		nodes, edges []byte
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.Description, &nodes, &edges, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, faults.Transient(err, "scan workflow")
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, faults.Permanent(err, "workflow %s has corrupt nodes", w.ID)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, faults.Permanent(err, "workflow %s has corrupt edges", w.ID)
	}
	return &w, nil
}

func marshalGraph(w *models.Workflow) (nodes, edges []byte, err error) {
	nodes, err = json.Marshal(w.Nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edges, err = json.Marshal(w.Edges)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal edges: %w", err)
	}
	return nodes, edges, nil
}
