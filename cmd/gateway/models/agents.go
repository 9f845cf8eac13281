package models

import (
	"time"
)

// AgentSummary is one registered swarm member on a board.
type AgentSummary struct {
	AgentID     string    `json:"agent_id"`
	Task        string    `json:"task"`
	State       string    `json:"state"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// FindingSummary is one recent finding, content truncated for listing.
type FindingSummary struct {
	AgentID    string `json:"agent_id"`
	Kind       string `json:"kind"`
	Importance string `json:"importance"`
	Content    string `json:"content"`
}

// QuestionSummary is one open question waiting for an answer.
type QuestionSummary struct {
	AgentID  string `json:"agent_id"`
	Question string `json:"question"`
	Blocking bool   `json:"blocking"`
}

// BoardSummary condenses one run's blackboard for the agents listing:
// who is working, what is queued, what was found last.
type BoardSummary struct {
	JobID          string            `json:"job_id"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Agents         []AgentSummary    `json:"agents"`
	ActiveAgents   int               `json:"active_agents"`
	FindingsTotal  int               `json:"findings_total"`
	RecentFindings []FindingSummary  `json:"recent_findings,omitempty"`
	PendingTasks   []string          `json:"pending_tasks,omitempty"`
	OpenQuestions  []QuestionSummary `json:"open_questions,omitempty"`
}

// BoardListResponse is the body of GET /api/v1/agents.
type BoardListResponse struct {
	Boards []BoardSummary `json:"boards"`
	Count  int            `json:"count"`
}
