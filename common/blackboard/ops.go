package blackboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

// DefaultClaimTTL bounds how long a claim chain holds its files when
// the caller does not say.
const DefaultClaimTTL = 30 * time.Minute

// BlockedError reports a failed all-or-nothing claim, naming the chains
// that hold the conflicting files.
type BlockedError struct {
	BlockingChains   []ClaimChain
	ConflictingFiles []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("cannot claim %d file(s), blocked by %d chain(s)",
		len(e.ConflictingFiles), len(e.BlockingChains))
}

// RegisterAgent adds or refreshes an agent on the board. Re-registering
// the same id resets its state, heartbeat, and cursor; the operation is
// idempotent by agent id.
func (b *Board) RegisterAgent(ctx context.Context, agentID, task string, interests []string) (*Agent, error) {
	var out Agent
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		agent := &Agent{
			Task:        task,
			State:       AgentActive,
			HeartbeatAt: now,
			Interests:   append([]string(nil), interests...),
			Cursor:      len(doc.Findings),
		}
		doc.Agents[agentID] = agent
		out = *agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the agent's liveness timestamp
func (b *Board) Heartbeat(ctx context.Context, agentID string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		agent, ok := doc.Agents[agentID]
		if !ok {
			return faults.NotFound("agent %s is not registered", agentID)
		}
		agent.HeartbeatAt = now
		return nil
	})
}

// SetAgentState moves an agent to a new lifecycle state, optionally
// recording its result text. Terminal states also stamp finished_at.
func (b *Board) SetAgentState(ctx context.Context, agentID string, state AgentState, result string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		agent, ok := doc.Agents[agentID]
		if !ok {
			return faults.NotFound("agent %s is not registered", agentID)
		}
		agent.State = state
		agent.HeartbeatAt = now
		if result != "" {
			agent.Result = result
		}
		if state == AgentCompleted || state == AgentFailed {
			ts := now
			agent.FinishedAt = &ts
		}
		return nil
	})
}

// ReadDelta returns findings appended since the agent's cursor and
// advances the cursor past them.
func (b *Board) ReadDelta(ctx context.Context, agentID string) ([]Finding, error) {
	var delta []Finding
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		agent, ok := doc.Agents[agentID]
		if !ok {
			return faults.NotFound("agent %s is not registered", agentID)
		}
		delta = doc.FindingsSince(agent.Cursor)
		agent.Cursor = len(doc.Findings)
		agent.HeartbeatAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// AddFinding appends a finding. IDs are assigned in append order as
// finding-1..N.
func (b *Board) AddFinding(ctx context.Context, agentID, kind, content string, files, tags []string, importance string) (*Finding, error) {
	if !validFindingKind(kind) {
		return nil, faults.Validation("unknown finding kind %q", kind)
	}
	if importance == "" {
		importance = DefaultImportance
	}
	if !validImportance(importance) {
		return nil, faults.Validation("unknown importance %q", importance)
	}

	var out Finding
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		f := Finding{
			ID:         fmt.Sprintf("finding-%d", len(doc.Findings)+1),
			AgentID:    agentID,
			Kind:       kind,
			Content:    content,
			Files:      append([]string(nil), files...),
			Importance: importance,
			Tags:       append([]string(nil), tags...),
			CreatedAt:  now,
		}
		doc.Findings = append(doc.Findings, f)
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddMessage appends agent mail. to "*" broadcasts.
func (b *Board) AddMessage(ctx context.Context, from, to, kind, content string) (*Message, error) {
	var out Message
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		m := Message{
			ID:        "msg-" + shortID(),
			From:      from,
			To:        to,
			Kind:      kind,
			Content:   content,
			CreatedAt: now,
		}
		doc.Messages = append(doc.Messages, m)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkMessageRead flags one message as read
func (b *Board) MarkMessageRead(ctx context.Context, messageID string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		for i := range doc.Messages {
			if doc.Messages[i].ID == messageID {
				doc.Messages[i].Read = true
				return nil
			}
		}
		return faults.NotFound("message %s not found", messageID)
	})
}

// PushTask queues a work item. Priority 1 is highest, 10 lowest.
func (b *Board) PushTask(ctx context.Context, description string, priority int, dependsOn []string, assignedTo string) (*Task, error) {
	if priority < 1 || priority > 10 {
		priority = 5
	}
	var out Task
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		t := Task{
			ID:         "task-" + shortID(),
			Task:       description,
			Priority:   priority,
			DependsOn:  append([]string(nil), dependsOn...),
			AssignedTo: assignedTo,
			Status:     TaskPending,
			CreatedAt:  now,
		}
		doc.TaskQueue = append(doc.TaskQueue, t)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimTask assigns a pending task to an agent. A task already claimed
// or finished is a conflict.
func (b *Board) ClaimTask(ctx context.Context, taskID, agentID string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		for i := range doc.TaskQueue {
			t := &doc.TaskQueue[i]
			if t.ID != taskID {
				continue
			}
			if t.Status != TaskPending {
				return faults.Conflict("task %s is %s, not pending", taskID, t.Status)
			}
			t.AssignedTo = agentID
			t.Status = TaskInProgress
			ts := now
			t.ClaimedAt = &ts
			return nil
		}
		return faults.NotFound("task %s not found", taskID)
	})
}

// CompleteTask finishes a task with an optional result
func (b *Board) CompleteTask(ctx context.Context, taskID, result string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		for i := range doc.TaskQueue {
			t := &doc.TaskQueue[i]
			if t.ID != taskID {
				continue
			}
			t.Status = TaskCompleted
			t.Result = result
			ts := now
			t.CompletedAt = &ts
			return nil
		}
		return faults.NotFound("task %s not found", taskID)
	})
}

// AddQuestion raises a blocker for any agent (or the watcher) to answer
func (b *Board) AddQuestion(ctx context.Context, agentID, question string, options []string, blocking bool) (*Question, error) {
	var out Question
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		q := Question{
			ID:        "q-" + shortID(),
			AgentID:   agentID,
			Question:  question,
			Options:   append([]string(nil), options...),
			Blocking:  blocking,
			Status:    QuestionOpen,
			CreatedAt: now,
		}
		doc.Questions = append(doc.Questions, q)
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AnswerQuestion resolves an open question
func (b *Board) AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		for i := range doc.Questions {
			q := &doc.Questions[i]
			if q.ID != questionID {
				continue
			}
			if q.Status != QuestionOpen {
				return faults.Conflict("question %s is already %s", questionID, q.Status)
			}
			q.Answer = answer
			q.AnsweredBy = answeredBy
			q.Status = QuestionResolved
			ts := now
			q.AnsweredAt = &ts
			return nil
		}
		return faults.NotFound("question %s not found", questionID)
	})
}

// SetContext writes one shared key-value pair
func (b *Board) SetContext(ctx context.Context, key, value string) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		doc.Context[key] = value
		return nil
	})
}

// ClaimChain atomically claims all files or none for a registered
// agent. A file held by any other active chain blocks the whole claim;
// the returned error wraps a BlockedError naming the blockers.
func (b *Board) ClaimChain(ctx context.Context, agentID string, files []string, reason string, ttl time.Duration) (*ClaimChain, error) {
	if len(files) == 0 {
		return nil, faults.Validation("claim chain needs at least one file")
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	normalized := make([]string, 0, len(files))
	seen := map[string]bool{}
	for _, f := range files {
		n := normalizePath(f)
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}
	sort.Strings(normalized)

	var out ClaimChain
	err := b.update(ctx, func(doc *Document, now time.Time) error {
		// Every active chain must belong to a registered agent.
		if _, ok := doc.Agents[agentID]; !ok {
			return faults.NotFound("agent %s is not registered", agentID)
		}

		var blocking []ClaimChain
		conflictSet := map[string]bool{}
		for _, chain := range doc.ClaimChains {
			if chain.Status != ChainActive {
				continue
			}
			overlap := false
			for _, f := range chain.Files {
				if seen[f] {
					conflictSet[f] = true
					overlap = true
				}
			}
			if overlap {
				blocking = append(blocking, *chain)
			}
		}
		if len(blocking) > 0 {
			var conflicting []string
			for f := range conflictSet {
				conflicting = append(conflicting, f)
			}
			sort.Strings(conflicting)
			sort.Slice(blocking, func(i, j int) bool { return blocking[i].ChainID < blocking[j].ChainID })
			blocked := &BlockedError{BlockingChains: blocking, ConflictingFiles: conflicting}
			return faults.Wrap(faults.KindConflict, blocked, "claim by %s blocked", agentID)
		}

		chain := &ClaimChain{
			ChainID:   uuid.NewString(),
			AgentID:   agentID,
			Files:     normalized,
			Reason:    reason,
			ClaimedAt: now,
			ExpiresAt: now.Add(ttl),
			Status:    ChainActive,
		}
		doc.ClaimChains[chain.ChainID] = chain
		out = *chain
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseChain gives up an active chain's files without finishing the
// work
func (b *Board) ReleaseChain(ctx context.Context, agentID, chainID string) error {
	return b.closeChain(ctx, agentID, chainID, ChainReleased)
}

// CompleteChain marks an active chain's work done, freeing its files
func (b *Board) CompleteChain(ctx context.Context, agentID, chainID string) error {
	return b.closeChain(ctx, agentID, chainID, ChainCompleted)
}

func (b *Board) closeChain(ctx context.Context, agentID, chainID string, to ChainStatus) error {
	return b.update(ctx, func(doc *Document, now time.Time) error {
		chain, ok := doc.ClaimChains[chainID]
		if !ok {
			return faults.NotFound("claim chain %s not found", chainID)
		}
		if chain.AgentID != agentID {
			return faults.Conflict("claim chain %s is owned by %s", chainID, chain.AgentID)
		}
		if chain.Status != ChainActive {
			return faults.Conflict("claim chain %s is %s, not active", chainID, chain.Status)
		}
		chain.Status = to
		return nil
	})
}
