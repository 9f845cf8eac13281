package blackboard

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentState tracks one swarm agent's lifecycle on the board.
type AgentState string

const (
	AgentActive    AgentState = "active"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
	AgentStale     AgentState = "stale"
)

// ChainStatus is the lifecycle of a claim chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "active"
	ChainCompleted ChainStatus = "completed"
	ChainExpired   ChainStatus = "expired"
	ChainReleased  ChainStatus = "released"
)

// Finding kinds and importance levels. Agents emit these as line-prefix
// markers; the board stores them verbatim.
var (
	FindingKinds      = []string{"discovery", "warning", "decision", "blocker", "fact", "hypothesis"}
	ImportanceLevels  = []string{"low", "medium", "high", "critical"}
	DefaultImportance = "medium"
)

// Agent is one registered swarm member.
type Agent struct {
	Task        string     `json:"task"`
	State       AgentState `json:"state"`
	HeartbeatAt time.Time  `json:"heartbeat_at"`
	Interests   []string   `json:"interests"`
	Cursor      int        `json:"cursor"`
	Result      string     `json:"result,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Finding is a shared discovery. Append-only; ids run finding-1..N.
type Finding struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Files      []string  `json:"files,omitempty"`
	Importance string    `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is agent-to-agent mail. To "*" broadcasts.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a queued work item agents claim.
type Task struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Priority    int        `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Question is a blocker raised by an agent for anyone to answer.
type Question struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Question   string     `json:"question"`
	Options    []string   `json:"options,omitempty"`
	Blocking   bool       `json:"blocking"`
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredBy string     `json:"answered_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Question statuses.
const (
	QuestionOpen     = "open"
	QuestionResolved = "resolved"
)

// ClaimChain is an all-or-nothing transactional claim on files.
type ClaimChain struct {
	ChainID   string      `json:"chain_id"`
	AgentID   string      `json:"agent_id"`
	Files     []string    `json:"files"`
	Reason    string      `json:"reason"`
	ClaimedAt time.Time   `json:"claimed_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Status    ChainStatus `json:"status"`
}

// Document is the full blackboard state, one JSON file per swarm run.
type Document struct {
	Version     string                 `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Agents      map[string]*Agent      `json:"agents"`
	Findings    []Finding              `json:"findings"`
	Messages    []Message              `json:"messages"`
	TaskQueue   []Task                 `json:"task_queue"`
	Questions   []Question             `json:"questions"`
	Context     map[string]string      `json:"context"`
	ClaimChains map[string]*ClaimChain `json:"claim_chains"`
}

func newDocument(now time.Time) *Document {
	return &Document{
		Version:     "1.0",
		CreatedAt:   now,
		UpdatedAt:   now,
		Agents:      map[string]*Agent{},
		Findings:    []Finding{},
		Messages:    []Message{},
		TaskQueue:   []Task{},
		Questions:   []Question{},
		Context:     map[string]string{},
		ClaimChains: map[string]*ClaimChain{},
	}
}

// ActiveAgents returns agent ids currently active, sorted
func (d *Document) ActiveAgents() []string {
	var ids []string
	for id, a := range d.Agents {
		if a.State == AgentActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindingsSince returns findings appended after the cursor position
func (d *Document) FindingsSince(cursor int) []Finding {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(d.Findings) {
		return nil
	}
	out := make([]Finding, len(d.Findings)-cursor)
	copy(out, d.Findings[cursor:])
	return out
}

// CriticalFindings returns blockers and critical-importance findings
func (d *Document) CriticalFindings() []Finding {
	var out []Finding
	for _, f := range d.Findings {
		if f.Importance == "critical" || f.Kind == "blocker" {
			out = append(out, f)
		}
	}
	return out
}

// MessagesFor returns messages addressed to an agent, including
// broadcasts
func (d *Document) MessagesFor(agentID string, unreadOnly bool) []Message {
	var out []Message
	for _, m := range d.Messages {
		if m.To != agentID && m.To != "*" {
			continue
		}
		if unreadOnly && m.Read {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PendingTasks returns unclaimed tasks, highest priority (lowest
// number) first
func (d *Document) PendingTasks() []Task {
	var out []Task
	for _, t := range d.TaskQueue {
		if t.Status == TaskPending {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// OpenQuestions returns unresolved questions
func (d *Document) OpenQuestions() []Question {
	var out []Question
	for _, q := range d.Questions {
		if q.Status == QuestionOpen {
			out = append(out, q)
		}
	}
	return out
}

// ActiveChains returns chains still holding their files, treating
// expiry as the writers do (an expired chain no longer blocks)
func (d *Document) ActiveChains(now time.Time) []ClaimChain {
	var out []ClaimChain
	for _, c := range d.ClaimChains {
		if c.Status == ChainActive && now.Before(c.ExpiresAt) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// BlockingChains returns active chains holding any of the given files
func (d *Document) BlockingChains(files []string, now time.Time) []ClaimChain {
	want := map[string]bool{}
	for _, f := range files {
		want[normalizePath(f)] = true
	}
	var out []ClaimChain
	for _, c := range d.ActiveChains(now) {
		for _, f := range c.Files {
			if want[f] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Summary renders a human-readable digest of the board
func (d *Document) Summary() string {
	var b strings.Builder
	b.WriteString("## Blackboard Summary\n\n")

	active := d.ActiveAgents()
	fmt.Fprintf(&b, "**Active Agents:** %d\n", len(active))
	for _, id := range active {
		fmt.Fprintf(&b, "  - %s: %s\n", id, d.Agents[id].Task)
	}

	pending := d.PendingTasks()
	fmt.Fprintf(&b, "\n**Pending Tasks:** %d\n", len(pending))
	for i, t := range pending {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "  - [%d] %s\n", t.Priority, t.Task)
	}

	if open := d.OpenQuestions(); len(open) > 0 {
		fmt.Fprintf(&b, "\n**Open Questions:** %d\n", len(open))
		for _, q := range open {
			fmt.Fprintf(&b, "  - %s: %s\n", q.AgentID, q.Question)
		}
	}

	if n := len(d.Findings); n > 0 {
		fmt.Fprintf(&b, "\n**Recent Findings:** %d total\n", n)
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, f := range d.Findings[start:] {
			content := f.Content
			if len(content) > 50 {
				content = content[:50] + "..."
			}
			fmt.Fprintf(&b, "  - [%s] %s\n", f.Kind, content)
		}
	}

	return b.String()
}

func validFindingKind(kind string) bool {
	for _, k := range FindingKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validImportance(level string) bool {
	for _, l := range ImportanceLevels {
		if l == level {
			return true
		}
	}
	return false
}
