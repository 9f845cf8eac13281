package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a single node firing.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	// ExecSkipped marks a retry that reused an earlier result for the
	// same prompt instead of firing again.
	ExecSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the execution is finished.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecSkipped:
		return true
	}
	return false
}

// FindingKind classifies knowledge an agent surfaced while working.
type FindingKind string

const (
	FindingDiscovery  FindingKind = "discovery"
	FindingWarning    FindingKind = "warning"
	FindingDecision   FindingKind = "decision"
	FindingBlocker    FindingKind = "blocker"
	FindingFact       FindingKind = "fact"
	FindingHypothesis FindingKind = "hypothesis"
)

// Finding is one tagged observation extracted from a node result.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Content string      `json:"content"`
}

// NodeExecution records one firing of a workflow node, including the
// rendered prompt, the outcome, and what the agent reported back.
type NodeExecution struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	NodeID        string          `json:"node_id"`
	NodeKind      NodeKind        `json:"node_kind"`
	AgentID       string          `json:"agent_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	PromptHash    string          `json:"prompt_hash,omitempty"`
	Status        ExecutionStatus `json:"status"`
	ResultJSON    json.RawMessage `json:"result_json,omitempty"`
	ResultText    string          `json:"result_text,omitempty"`
	Findings      []Finding       `json:"findings,omitempty"`
	FilesModified []string        `json:"files_modified,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	TokenCount    int64           `json:"token_count"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HashPrompt fingerprints a rendered prompt so retries can detect that
// an identical prompt already completed.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}
