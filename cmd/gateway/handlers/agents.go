package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/middleware"
	gwmodels "github.com/anthive/orchestrator/cmd/gateway/models"
	"github.com/anthive/orchestrator/common/blackboard"
	"github.com/anthive/orchestrator/common/workspace"
)

// Listing bounds for one board summary.
const (
	maxRecentFindings = 5
	maxPendingTasks   = 3
	maxFindingExcerpt = 160
)

// AgentsHandler reports on live swarm boards. Boards are JSON documents
// in job workspaces; the handler snapshots them lock-free, so a summary
// may trail a writer by one update.
type AgentsHandler struct {
	paths *workspace.Manager
	log   Logger
}

// NewAgentsHandler creates an agents handler over the workspace layout.
func NewAgentsHandler(paths *workspace.Manager, log Logger) *AgentsHandler {
	return &AgentsHandler{paths: paths, log: log}
}

// ListBoards walks the tenant's job workspaces and summarizes every
// blackboard found: agents and their states, queued work, open
// questions, and the latest findings.
// GET /api/v1/agents
func (h *AgentsHandler) ListBoards(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	root, err := h.paths.TenantDir(tenantID)
	if err != nil {
		return respondError(c, err)
	}

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return c.JSON(http.StatusOK, gwmodels.BoardListResponse{Boards: []gwmodels.BoardSummary{}})
	}
	if err != nil {
		h.log.Error("workspace scan failed", "tenant_id", tenantID, "error", err)
		return c.JSON(http.StatusOK, gwmodels.BoardListResponse{Boards: []gwmodels.BoardSummary{}})
	}

	boards := make([]gwmodels.BoardSummary, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobDir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(jobDir, blackboard.FileName)); err != nil {
			continue
		}

		doc, err := blackboard.New(jobDir, "gateway", h.log).Snapshot()
		if err != nil {
			h.log.Warn("skipping unreadable board", "job_id", entry.Name(), "error", err)
			continue
		}
		boards = append(boards, summarize(entry.Name(), doc))
	}

	sort.Slice(boards, func(i, j int) bool {
		if !boards[i].UpdatedAt.Equal(boards[j].UpdatedAt) {
			return boards[i].UpdatedAt.After(boards[j].UpdatedAt)
		}
		return boards[i].JobID < boards[j].JobID
	})

	return c.JSON(http.StatusOK, gwmodels.BoardListResponse{Boards: boards, Count: len(boards)})
}

// summarize condenses a board document into the listing shape.
func summarize(jobID string, doc *blackboard.Document) gwmodels.BoardSummary {
	s := gwmodels.BoardSummary{
		JobID:         jobID,
		UpdatedAt:     doc.UpdatedAt,
		Agents:        make([]gwmodels.AgentSummary, 0, len(doc.Agents)),
		ActiveAgents:  len(doc.ActiveAgents()),
		FindingsTotal: len(doc.Findings),
	}

	ids := make([]string, 0, len(doc.Agents))
	for id := range doc.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := doc.Agents[id]
		s.Agents = append(s.Agents, gwmodels.AgentSummary{
			AgentID:     id,
			Task:        a.Task,
			State:       string(a.State),
			HeartbeatAt: a.HeartbeatAt,
		})
	}

	findings := doc.Findings
	if len(findings) > maxRecentFindings {
		findings = findings[len(findings)-maxRecentFindings:]
	}
	for _, f := range findings {
		s.RecentFindings = append(s.RecentFindings, gwmodels.FindingSummary{
			AgentID:    f.AgentID,
			Kind:       f.Kind,
			Importance: f.Importance,
			Content:    excerpt(f.Content, maxFindingExcerpt),
		})
	}

	pending := doc.PendingTasks()
	if len(pending) > maxPendingTasks {
		pending = pending[:maxPendingTasks]
	}
	for _, t := range pending {
		s.PendingTasks = append(s.PendingTasks, t.Task)
	}

	for _, q := range doc.OpenQuestions() {
		s.OpenQuestions = append(s.OpenQuestions, gwmodels.QuestionSummary{
			AgentID:  q.AgentID,
			Question: q.Question,
			Blocking: q.Blocking,
		})
	}

	return s
}

// excerpt truncates on a rune boundary.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
