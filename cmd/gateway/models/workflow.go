package models

import (
	"github.com/anthive/orchestrator/common/models"
)

// CreateWorkflowRequest is the body of POST /api/v1/workflows. The
// server assigns id and tenant; everything else is the definition.
type CreateWorkflowRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Nodes       []models.Node `json:"nodes"`
	Edges       []models.Edge `json:"edges"`
}

// WorkflowListResponse is the body of GET /api/v1/workflows.
type WorkflowListResponse struct {
	Workflows []*models.Workflow `json:"workflows"`
	Count     int                `json:"count"`
}

// RunListResponse is the body of GET /api/v1/runs.
type RunListResponse struct {
	Runs  []*models.Run `json:"runs"`
	Count int           `json:"count"`
}
