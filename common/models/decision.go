package models

import (
	"encoding/json"
	"time"
)

// DecisionKind names a conductor ruling over a run.
type DecisionKind string

const (
	DecisionFireNode    DecisionKind = "fire_node"
	DecisionSkipNode    DecisionKind = "skip_node"
	DecisionRetry       DecisionKind = "retry"
	DecisionAbort       DecisionKind = "abort"
	DecisionPhaseChange DecisionKind = "phase_change"
)

// Decision is one append-only entry in a run's audit trail: what the
// conductor decided, the payload it acted on, and why.
type Decision struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      DecisionKind    `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
