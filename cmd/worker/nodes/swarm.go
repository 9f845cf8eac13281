package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/blackboard"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// swarmMember is one role agent in a swarm node.
type swarmMember struct {
	agentID string
	role    models.Role
	res     *SpawnResult
	err     error
}

// swarm runs the node as a set of role agents sharing a blackboard in
// the run workspace. Members self-coordinate through the board; the
// executor posts each member's parsed findings on its behalf, waits
// until every member is terminal on the board or its process returns,
// then aggregates the board into the node result and archives it.
func (e *Executor) swarm(ctx context.Context, f *conductor.Firing) (*conductor.NodeResult, error) {
	roles := f.Node.Config.Roles
	if len(roles) == 0 {
		return nil, faults.Validation("swarm node %s has no roles", f.Node.ID)
	}
	log := e.log.WithTenant(f.TenantID).WithRunID(f.RunID).WithNodeID(f.Node.ID)

	members := make([]swarmMember, len(roles))
	for i, role := range roles {
		id := f.Node.ID + "-" + role.Name
		if _, err := validation.Validate(id, validation.KindAgent); err != nil {
			return nil, err
		}
		members[i] = swarmMember{agentID: id, role: role}
	}

	board := blackboard.New(f.Workspace, "conductor-"+f.Node.ID, log)
	if err := board.Create(ctx); err != nil {
		return nil, err
	}
	prompt, consulted := e.consult(ctx, f, log)

	for i := range members {
		task := fmt.Sprintf("%s work on %s", members[i].role.Name, f.Node.Name)
		if _, err := board.RegisterAgent(ctx, members[i].agentID, task, members[i].role.Interests); err != nil {
			return nil, err
		}
	}
	log.Info("swarm assembled", "agents", len(members), "board", board.Path())

	spawnCtx, stop := context.WithCancel(ctx)
	defer stop()

	var g errgroup.Group
	if limit := f.Node.Config.Concurrency; limit > 0 {
		g.SetLimit(limit)
	}
	for i := range members {
		g.Go(func() error {
			m := &members[i]
			env := map[string]string{
				"BLACKBOARD_FILE": board.Path(),
				"AGENT_ROLE":      m.role.Name,
			}
			m.res, m.err = e.spawn(spawnCtx, f, m.agentID, e.roleAgentType(m.role), swarmPrompt(m.role, prompt, board.Path()), env)
			e.settleMember(ctx, board, m, log)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	ticker := time.NewTicker(e.opts.SwarmPoll)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ctx.Done():
			stop()
			<-done
			return nil, ctx.Err()
		case <-ticker.C:
			if f.Heartbeat != nil {
				if err := f.Heartbeat(ctx); err != nil {
					log.Warn("heartbeat failed during swarm wait", "error", err)
				}
			}
			if boardSettled(board, members) {
				// A watcher closed the stragglers out on the board;
				// their processes no longer gate the node.
				log.Warn("board reports all agents terminal, stopping stragglers")
				stop()
				<-done
				waiting = false
			}
		}
	}

	out, failed, err := e.aggregateSwarm(board, members)
	if err != nil {
		return nil, err
	}
	if failed == len(members) {
		ferr := faults.Handler(nil, "all %d swarm agents of node %s failed", len(members), f.Node.ID)
		e.noteOutcome(ctx, f, f.Node.ID, consulted, ferr, log)
		return nil, ferr
	}

	if _, err := board.Archive(ctx); err != nil {
		log.Warn("board archive failed", "error", err)
	}
	e.noteOutcome(ctx, f, f.Node.ID, consulted, nil, log)
	e.layTrails(f, f.Node.ID, out.Findings, out.FilesModified)
	log.Info("swarm finished", "agents", len(members), "failed", failed,
		"findings", len(out.Findings))
	return out, nil
}

// settleMember posts one returned member's output to the board: parsed
// findings and questions first, then the terminal state. A straggler
// cancelled after the board already marked it terminal keeps the board
// state; board writes after shutdown fail quietly and the board is
// abandoned along with the run.
func (e *Executor) settleMember(ctx context.Context, board *blackboard.Board, m *swarmMember, log *logger.Logger) {
	if errors.Is(m.err, context.Canceled) {
		if snap, err := board.Snapshot(); err == nil {
			if a, ok := snap.Agents[m.agentID]; ok && a.State != blackboard.AgentActive {
				return
			}
		}
	}
	if m.err != nil {
		if err := board.SetAgentState(ctx, m.agentID, blackboard.AgentFailed, clip(m.err.Error(), 200)); err != nil {
			log.Warn("agent state write failed", "agent_id", m.agentID, "error", err)
		}
		return
	}
	for _, fd := range models.ParseFindings(m.res.Text) {
		if _, err := board.AddFinding(ctx, m.agentID, string(fd.Kind), fd.Content, nil, nil, ""); err != nil {
			log.Warn("finding write failed", "agent_id", m.agentID, "error", err)
		}
	}
	for _, q := range models.ParseQuestions(m.res.Text) {
		if _, err := board.AddQuestion(ctx, m.agentID, q, nil, false); err != nil {
			log.Warn("question write failed", "agent_id", m.agentID, "error", err)
		}
	}
	if err := board.SetAgentState(ctx, m.agentID, blackboard.AgentCompleted, clip(m.res.Text, 200)); err != nil {
		log.Warn("agent state write failed", "agent_id", m.agentID, "error", err)
	}
}

// aggregateSwarm folds the board and the member outputs into the node
// result. The board is the source of truth for member status, so a
// terminal state a watcher forced counts even when the process never
// returned; board findings become node findings, member texts join into
// role sections, file mentions union across members.
func (e *Executor) aggregateSwarm(board *blackboard.Board, members []swarmMember) (*conductor.NodeResult, int, error) {
	snap, err := board.Snapshot()
	if err != nil {
		return nil, 0, err
	}

	out := &conductor.NodeResult{}
	files := map[string]bool{}
	for _, fd := range snap.Findings {
		out.Findings = append(out.Findings, models.Finding{
			Kind:    models.FindingKind(fd.Kind),
			Content: fd.Content,
		})
		for _, file := range fd.Files {
			files[file] = true
		}
	}

	var (
		texts     []string
		agentDocs = map[string]any{}
		failed    int
	)
	for _, m := range members {
		completed := false
		if a, ok := snap.Agents[m.agentID]; ok {
			completed = a.State == blackboard.AgentCompleted
		}
		doc := map[string]any{"state": "completed"}
		if !completed {
			failed++
			doc["state"] = "failed"
			if m.err != nil {
				doc["error"] = m.err.Error()
			}
		}
		agentDocs[m.agentID] = doc

		if m.res != nil {
			texts = append(texts, "## "+m.role.Name+"\n"+m.res.Text)
			out.TokenCount += m.res.TokenCount
			for _, file := range models.ParseModifiedFiles(m.res.Text) {
				files[file] = true
			}
		}
	}

	out.ResultText = strings.Join(texts, "\n\n---\n\n")
	out.FilesModified = sortedSet(files)
	summary, err := json.Marshal(map[string]any{
		"swarm_results":  agentDocs,
		"agents":         len(members),
		"failed":         failed,
		"findings_total": len(snap.Findings),
		"questions_open": len(snap.OpenQuestions()),
	})
	if err != nil {
		return nil, 0, faults.Permanent(err, "failed to encode swarm result")
	}
	out.ResultJSON = summary
	return out, failed, nil
}

// boardSettled reports whether every member is terminal on the board.
func boardSettled(board *blackboard.Board, members []swarmMember) bool {
	snap, err := board.Snapshot()
	if err != nil {
		return false
	}
	for _, m := range members {
		agent, ok := snap.Agents[m.agentID]
		if !ok {
			return false
		}
		if agent.State != blackboard.AgentCompleted && agent.State != blackboard.AgentFailed {
			return false
		}
	}
	return true
}

// swarmPrompt frames the node instructions for one role agent: role
// identity, the shared task, and how to coordinate through the board.
func swarmPrompt(role models.Role, base, boardPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SWARM] You are a %s agent working with peers on a shared task.\n\n", role.Name)
	b.WriteString(base)
	b.WriteString("\n\n## Coordination\n")
	fmt.Fprintf(&b, "The shared blackboard lives at %s. Read it before starting so you do not duplicate what other agents already found.\n", boardPath)
	if len(role.Interests) > 0 {
		fmt.Fprintf(&b, "Focus on: %s.\n", strings.Join(role.Interests, ", "))
	}
	b.WriteString("\nReport findings as you work, one per line:\n")
	b.WriteString("- [fact] something you verified\n")
	b.WriteString("- [discovery] something new you found\n")
	b.WriteString("- [warning] something risky\n")
	b.WriteString("- [blocker] something that stops you\n")
	b.WriteString("- [hypothesis] something you suspect\n")
	b.WriteString("- [question] something a peer must answer\n")
	return b.String()
}
