// Package models holds the gateway's request and response shapes. They
// are the wire contract; storage types stay in common/jobstore and
// common/models.
package models

import (
	"encoding/json"
	"time"

	"github.com/anthive/orchestrator/common/jobstore"
)

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JobResponse is the client view of a job record. Result is inlined
// only for small terminal results; larger ones stay behind the pointer.
type JobResponse struct {
	JobID         string          `json:"job_id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	State         jobstore.State  `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Result        json.RawMessage `json:"result,omitempty"`
	ResultPointer string          `json:"result_pointer,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`
}

// JobFromStore converts a stored job into its response shape.
func JobFromStore(job *jobstore.Job) JobResponse {
	return JobResponse{
		JobID:         job.ID,
		TenantID:      job.TenantID,
		Type:          job.Type,
		State:         job.State,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		ResultPointer: job.ResultPointer,
		ErrorMessage:  job.ErrorMessage,
		ErrorKind:     job.ErrorKind,
		WorkerID:      job.WorkerID,
	}
}

// JobListResponse is the body of GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}
