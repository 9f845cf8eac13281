package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run is one execution of a workflow. WorkflowID is empty for ad-hoc
// runs that were launched without a stored definition. Context is the
// shared document node results merge into as the run advances.
type Run struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	TenantID       string          `json:"tenant_id"`
	Status         RunStatus       `json:"status"`
	Phase          string          `json:"phase,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	TotalNodes     int             `json:"total_nodes"`
	CompletedNodes int             `json:"completed_nodes"`
	FailedNodes    int             `json:"failed_nodes"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
