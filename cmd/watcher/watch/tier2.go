package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthive/orchestrator/common/blackboard"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

// Action is a tier-2 ruling. Exactly one is chosen per signal.
type Action string

const (
	ActionReassign      Action = "reassign"
	ActionRestart       Action = "restart"
	ActionAbort         Action = "abort"
	ActionSynthesize    Action = "synthesize"
	ActionEscalateHuman Action = "escalate_human"
)

// WatcherID is the agent id tier-2 writes board entries under.
const WatcherID = "watcher"

// Tier2 handles one pending escalation: it picks an action by the
// priority rules, executes it through board mutations, records the
// decision, and archives the signal so tier-1 may resume.
type Tier2 struct {
	dir      string
	board    *blackboard.Board
	provider llm.Provider
	opts     Options
	log      *logger.Logger
}

// NewTier2 builds the handler. provider may be nil; synthesis then
// falls back to a deterministic digest.
func NewTier2(dir string, provider llm.Provider, opts Options, log *logger.Logger) *Tier2 {
	opts.setDefaults()
	return &Tier2{
		dir:      dir,
		board:    blackboard.New(dir, "watcher-tier2", log),
		provider: provider,
		opts:     opts,
		log:      log,
	}
}

// Handle rules on the pending signal. No signal means nothing to do.
func (t *Tier2) Handle(ctx context.Context) (Status, error) {
	sig, err := LoadSignal(t.dir)
	if faults.Is(err, faults.KindNotFound) {
		t.log.Info("no escalation signal, nothing to handle", "dir", t.dir)
		return StatusDone, nil
	}
	if err != nil {
		return StatusError, err
	}

	snap, err := t.board.Snapshot()
	if faults.Is(err, faults.KindNotFound) {
		// The run is gone; retire the stray signal.
		if _, aerr := ArchiveSignal(t.dir); aerr != nil {
			return StatusError, aerr
		}
		t.log.Warn("signal without a board, archived", "id", sig.ID)
		return StatusDone, nil
	}
	if err != nil {
		return StatusError, err
	}

	now := time.Now().UTC()
	action, analysis := t.decide(sig, snap)
	t.log.Info("escalation ruling", "id", sig.ID, "reason", sig.Reason,
		"action", action, "analysis", analysis)

	details, err := t.execute(ctx, action, sig, snap)
	if err != nil {
		return StatusError, err
	}

	if err := AppendDecision(t.dir, now, sig.ID, sig.Reason, action, analysis, details); err != nil {
		return StatusError, err
	}
	if _, err := t.board.AddMessage(ctx, WatcherID, "*", "decision", fmt.Sprintf("%s: %s", action, details)); err != nil {
		t.log.Warn("decision message write failed", "error", err)
	}
	if err := AppendHandlerLog(t.dir, now, string(action), analysis); err != nil {
		t.log.Warn("watch log append failed", "error", err)
	}

	dest, err := ArchiveSignal(t.dir)
	if err != nil {
		return StatusError, err
	}
	t.log.Info("escalation handled", "id", sig.ID, "action", action, "signal", dest)

	if action == ActionEscalateHuman {
		return StatusEscalate, nil
	}
	return StatusDone, nil
}

// decide picks one action from the signal's reason and the live board.
// Priority: stuck agents restart; failures past the threshold abort;
// failures with partial output synthesize, without output reassign
// when a peer remains; deadlock goes to a human; anything else
// synthesizes.
func (t *Tier2) decide(sig *Signal, snap *blackboard.Document) (Action, string) {
	failed := failedAgents(snap)
	outputs := hasPartialOutput(snap)

	switch sig.Reason {
	case ReasonStaleAgents:
		if stuck := t.stuckOnBoard(sig, snap); len(stuck) > 0 {
			return ActionRestart, "agents stuck without heartbeat: " + strings.Join(stuck, ", ")
		}
		return ActionSynthesize, "signaled agents recovered or finished, salvaging current state"

	case ReasonAgentFailures, ReasonErrorKeywords:
		if len(failed) >= t.opts.FailureThreshold {
			return ActionAbort, fmt.Sprintf("%d agents failed, at the threshold of %d", len(failed), t.opts.FailureThreshold)
		}
		if len(failed) > 0 && outputs {
			return ActionSynthesize, fmt.Sprintf("%d agent(s) failed with partial output on the board", len(failed))
		}
		if len(failed) > 0 {
			if len(snap.ActiveAgents()) == 0 {
				return ActionAbort, "failed agents left nothing and no peers remain"
			}
			return ActionReassign, fmt.Sprintf("%d agent(s) failed with nothing on the board", len(failed))
		}
		return ActionSynthesize, "errors reported but no failed agents, salvaging current state"

	case ReasonDeadlock:
		return ActionEscalateHuman, "blocked questions or orphaned tasks need a human ruling"

	default:
		return ActionSynthesize, fmt.Sprintf("unrecognized reason %q, salvaging current state", sig.Reason)
	}
}

// execute applies one action through board mutations. The board is the
// only lever: agents and the node executor react to what they read.
func (t *Tier2) execute(ctx context.Context, action Action, sig *Signal, snap *blackboard.Document) (string, error) {
	switch action {
	case ActionRestart:
		return t.restart(ctx, sig, snap)
	case ActionReassign:
		return t.reassign(ctx, sig, snap)
	case ActionAbort:
		return t.abort(ctx, snap)
	case ActionSynthesize:
		return t.synthesize(ctx, sig, snap)
	case ActionEscalateHuman:
		return t.escalateHuman(ctx, sig)
	}
	return "", faults.Validation("unknown watcher action %q", action)
}

// restart moves stuck agents back to active with a fresh heartbeat and
// tells them so.
func (t *Tier2) restart(ctx context.Context, sig *Signal, snap *blackboard.Document) (string, error) {
	targets := t.stuckOnBoard(sig, snap)
	if len(targets) == 0 {
		return "no stuck agents left on the board", nil
	}
	for _, id := range targets {
		if err := t.board.SetAgentState(ctx, id, blackboard.AgentActive, ""); err != nil {
			return "", err
		}
		if _, err := t.board.AddMessage(ctx, WatcherID, id, "restart", "restart requested: "+string(sig.Reason)); err != nil {
			t.log.Warn("restart message write failed", "agent_id", id, "error", err)
		}
	}
	return "restarted " + strings.Join(targets, ", "), nil
}

// reassign fails agents that produced nothing and queues their tasks
// for a living peer to claim.
func (t *Tier2) reassign(ctx context.Context, sig *Signal, snap *blackboard.Document) (string, error) {
	targets := failedAgents(snap)
	if len(targets) == 0 {
		targets = t.stuckOnBoard(sig, snap)
		for _, id := range targets {
			if err := t.board.SetAgentState(ctx, id, blackboard.AgentFailed, "reassigned by watcher"); err != nil {
				return "", err
			}
		}
	}

	var queued []string
	for _, id := range targets {
		a := snap.Agents[id]
		if a == nil || a.Task == "" {
			continue
		}
		if _, err := t.board.PushTask(ctx, a.Task, 1, nil, ""); err != nil {
			return "", err
		}
		queued = append(queued, id)
	}
	if len(queued) == 0 {
		return "no tasks to requeue", nil
	}
	return "requeued tasks of " + strings.Join(queued, ", "), nil
}

// abort marks every non-terminal agent failed; the run settles
// immediately.
func (t *Tier2) abort(ctx context.Context, snap *blackboard.Document) (string, error) {
	var stopped []string
	for id, a := range snap.Agents {
		if a.State == blackboard.AgentCompleted || a.State == blackboard.AgentFailed {
			continue
		}
		if err := t.board.SetAgentState(ctx, id, blackboard.AgentFailed, "aborted by watcher"); err != nil {
			return "", err
		}
		stopped = append(stopped, id)
	}
	sort.Strings(stopped)
	if _, err := t.board.AddMessage(ctx, WatcherID, "*", "abort", "run aborted after repeated agent failures"); err != nil {
		t.log.Warn("abort message write failed", "error", err)
	}
	if len(stopped) == 0 {
		return "all agents already terminal", nil
	}
	return "marked failed: " + strings.Join(stopped, ", "), nil
}

// synthesize salvages a degraded run: digest what the board holds,
// publish it, and complete the remaining agents so the run settles on
// the partial result.
func (t *Tier2) synthesize(ctx context.Context, sig *Signal, snap *blackboard.Document) (string, error) {
	digest := t.digest(ctx, sig, snap)
	if err := t.board.SetContext(ctx, "watcher.synthesis", digest); err != nil {
		return "", err
	}
	if _, err := t.board.AddMessage(ctx, WatcherID, "*", "synthesis", digest); err != nil {
		return "", err
	}

	var settled []string
	for id, a := range snap.Agents {
		if a.State == blackboard.AgentCompleted || a.State == blackboard.AgentFailed {
			continue
		}
		if err := t.board.SetAgentState(ctx, id, blackboard.AgentCompleted, "superseded by watcher synthesis"); err != nil {
			return "", err
		}
		settled = append(settled, id)
	}
	sort.Strings(settled)
	if len(settled) == 0 {
		return "synthesis published", nil
	}
	return "synthesis published, completed " + strings.Join(settled, ", "), nil
}

// escalateHuman raises a blocking question on the board and leaves the
// run as it stands. The exit code tells the operator to look.
func (t *Tier2) escalateHuman(ctx context.Context, sig *Signal) (string, error) {
	question := fmt.Sprintf("human decision needed after %s; review the board and the decision log", sig.Reason)
	if _, err := t.board.AddQuestion(ctx, WatcherID, question, nil, true); err != nil {
		return "", err
	}
	return "blocking question raised for a human", nil
}

// digest produces the synthesis text, by the provider when one is
// configured and answers, deterministically otherwise.
func (t *Tier2) digest(ctx context.Context, sig *Signal, snap *blackboard.Document) string {
	if t.provider != nil {
		resp, err := t.provider.Generate(ctx, llm.Request{
			Prompt: synthesisPrompt(sig, snap),
			System: "You reconcile partial results from a degraded multi-agent run into one coherent summary. Be factual and brief.",
		})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text)
		}
		if err != nil {
			t.log.Warn("synthesis generation failed, using digest", "error", err)
		}
	}
	return deterministicDigest(sig, snap)
}

// stuckOnBoard returns the signaled stale agents that are still
// non-terminal on the board.
func (t *Tier2) stuckOnBoard(sig *Signal, snap *blackboard.Document) []string {
	var out []string
	for _, id := range sig.StaleAgents {
		a, ok := snap.Agents[id]
		if !ok {
			continue
		}
		if a.State == blackboard.AgentCompleted || a.State == blackboard.AgentFailed {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func failedAgents(snap *blackboard.Document) []string {
	var out []string
	for id, a := range snap.Agents {
		if a.State == blackboard.AgentFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// hasPartialOutput reports whether the run produced anything worth
// salvaging: findings, a completed agent, or result text on a failure.
func hasPartialOutput(snap *blackboard.Document) bool {
	if len(snap.Findings) > 0 {
		return true
	}
	for _, a := range snap.Agents {
		if a.State == blackboard.AgentCompleted {
			return true
		}
		if a.State == blackboard.AgentFailed && a.Result != "" {
			return true
		}
	}
	return false
}

func synthesisPrompt(sig *Signal, snap *blackboard.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A multi-agent run degraded (%s). Reconcile what the agents produced into one summary of verified results, open gaps, and what a follow-up run should cover.\n\n", sig.Reason)
	b.WriteString(snap.Summary())
	b.WriteString("\n## Agent Results\n")
	for _, id := range sortedAgentIDs(snap) {
		a := snap.Agents[id]
		fmt.Fprintf(&b, "- %s [%s]: %s\n", id, a.State, clip(a.Result, 300))
	}
	return b.String()
}

// deterministicDigest folds counts, critical findings, and per-agent
// one-liners into a plain synthesis when no provider is available.
func deterministicDigest(sig *Signal, snap *blackboard.Document) string {
	var completed, failed int
	for _, a := range snap.Agents {
		switch a.State {
		case blackboard.AgentCompleted:
			completed++
		case blackboard.AgentFailed:
			failed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Synthesis after %s: %d/%d agents completed, %d failed, %d findings.\n",
		sig.Reason, completed, len(snap.Agents), failed, len(snap.Findings))
	if crit := snap.CriticalFindings(); len(crit) > 0 {
		b.WriteString("Critical findings:\n")
		for _, f := range crit {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, clip(f.Content, 160))
		}
	}
	for _, id := range sortedAgentIDs(snap) {
		a := snap.Agents[id]
		if a.Result == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", id, clip(a.Result, 160))
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedAgentIDs(snap *blackboard.Document) []string {
	ids := make([]string, 0, len(snap.Agents))
	for id := range snap.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
