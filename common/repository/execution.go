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

const executionColumns = `id, run_id, node_id, node_kind, agent_id, session_id, prompt, prompt_hash,
	status, result_json, result_text, COALESCE(findings, '[]'::jsonb), COALESCE(files_modified, '[]'::jsonb),
	duration_ms, token_count, retry_count, error_message, error_kind, created_at, updated_at`

// prefixedExecutionColumns qualifies every column for queries that join
// workflow_runs, where id, status and the timestamps are ambiguous.
const prefixedExecutionColumns = `e.id, e.run_id, e.node_id, e.node_kind, e.agent_id, e.session_id, e.prompt, e.prompt_hash,
	e.status, e.result_json, e.result_text, COALESCE(e.findings, '[]'::jsonb), COALESCE(e.files_modified, '[]'::jsonb),
	e.duration_ms, e.token_count, e.retry_count, e.error_message, e.error_kind, e.created_at, e.updated_at`

// NodeExecutionRepository records every firing of a workflow node.
type NodeExecutionRepository struct {
	db *db.DB
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database}
}

// Create inserts a new execution, typically in status pending or
// running.
func (r *NodeExecutionRepository) Create(ctx context.Context, e *models.NodeExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.ExecPending
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	query := `
		INSERT INTO node_executions (id, run_id, node_id, node_kind, agent_id, session_id,
			prompt, prompt_hash, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		e.ID,
		e.RunID,
		e.NodeID,
		e.NodeKind,
		e.AgentID,
		e.SessionID,
		e.Prompt,
		e.PromptHash,
		e.Status,
		e.RetryCount,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return faults.Transient(err, "create execution for node %s", e.NodeID)
	}
	return nil
}

// MarkRunning flips a pending execution to running.
func (r *NodeExecutionRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE node_executions SET status = 'running', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return faults.Transient(err, "mark execution %s running", id)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("execution %s not found", id)
	}
	return nil
}

// Complete writes the terminal state of an execution: which agent
// served it, the result, findings, touched files, timing, and any
// error.
func (r *NodeExecutionRepository) Complete(ctx context.Context, e *models.NodeExecution) error {
	findings, err := json.Marshal(e.Findings)
	if err != nil {
		return faults.Permanent(err, "marshal findings for execution %s", e.ID)
	}
	files, err := json.Marshal(e.FilesModified)
	if err != nil {
		return faults.Permanent(err, "marshal files for execution %s", e.ID)
	}

	query := `
		UPDATE node_executions
		SET status = $2,
		    agent_id = $3,
		    session_id = $4,
		    result_json = $5,
		    result_text = $6,
		    findings = $7,
		    files_modified = $8,
		    duration_ms = $9,
		    token_count = $10,
		    error_message = $11,
		    error_kind = $12,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(
		ctx,
		query,
		e.ID,
		e.Status,
		e.AgentID,
		e.SessionID,
		nullIfEmptyJSON(e.ResultJSON),
		e.ResultText,
		findings,
		files,
		e.DurationMs,
		e.TokenCount,
		e.ErrorMessage,
		e.ErrorKind,
	)
	if err != nil {
		return faults.Transient(err, "complete execution %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFound("execution %s not found", e.ID)
	}
	return nil
}

// GetByID retrieves a single execution.
func (r *NodeExecutionRepository) GetByID(ctx context.Context, id string) (*models.NodeExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM node_executions
		WHERE id = $1
	`

	e, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("execution %s not found", id)
		}
		return nil, err
	}
	return e, nil
}

// CompletedByPromptHash finds the tenant's most recent completed
// execution of the same prompt, across runs. An identical hash means an
// identical rendered prompt, so resubmitting a workflow with the same
// input reuses the earlier result instead of firing the agent again.
func (r *NodeExecutionRepository) CompletedByPromptHash(ctx context.Context, tenantID, promptHash string) (*models.NodeExecution, error) {
	query := `
		SELECT ` + prefixedExecutionColumns + `
		FROM node_executions e
		JOIN workflow_runs r ON r.id = e.run_id
		WHERE r.tenant_id = $1 AND e.prompt_hash = $2 AND e.status = 'completed'
		ORDER BY e.created_at DESC
		LIMIT 1
	`

	e, err := scanExecution(r.db.QueryRow(ctx, query, tenantID, promptHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("no completed execution for prompt hash %s", promptHash)
		}
		return nil, err
	}
	return e, nil
}

// ListByRun returns every execution of a run in firing order.
func (r *NodeExecutionRepository) ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM node_executions
		WHERE run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, faults.Transient(err, "list executions for run %s", runID)
	}
	defer rows.Close()

	var out []*models.NodeExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate executions for run %s", runID)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (*models.NodeExecution, error) {
	var (
		e                        models.NodeExecution
		resultJSON, findings, fs []byte
	)
	err := row.Scan(
		&e.ID,
		&e.RunID,
		&e.NodeID,
		&e.NodeKind,
		&e.AgentID,
		&e.SessionID,
		&e.Prompt,
		&e.PromptHash,
		&e.Status,
		&resultJSON,
		&e.ResultText,
		&findings,
		&fs,
		&e.DurationMs,
		&e.TokenCount,
		&e.RetryCount,
		&e.ErrorMessage,
		&e.ErrorKind,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, faults.Transient(err, "scan execution")
	}
	e.ResultJSON = resultJSON
	if err := json.Unmarshal(findings, &e.Findings); err != nil {
		return nil, faults.Permanent(err, "execution %s has corrupt findings", e.ID)
	}
	if err := json.Unmarshal(fs, &e.FilesModified); err != nil {
		return nil, faults.Permanent(err, "execution %s has corrupt file list", e.ID)
	}
	return &e, nil
}
