// Package watch keeps swarm runs live from outside the worker. Tier-1
// polls a run's board directory cheaply and raises a file signal when
// it sees trouble; tier-2 activates only on a signal, rules once from
// a bounded action set, and clears it. The tiers share no state except
// the directory.
package watch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anthive/orchestrator/common/blackboard"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
)

// Status is a watcher process outcome, used directly as the exit code.
type Status int

const (
	StatusDone     Status = 0
	StatusError    Status = 1
	StatusEscalate Status = 2
)

// Decision is tier-1's bounded per-pass ruling.
type Decision string

const (
	DecisionNominal   Decision = "nominal"
	DecisionWarning   Decision = "warning"
	DecisionIntervene Decision = "intervention_needed"
	DecisionComplete  Decision = "complete"
	DecisionStopped   Decision = "stopped"
)

// Options tune both watcher tiers.
type Options struct {
	PollInterval     time.Duration // tier-1 pass cadence
	HeartbeatTimeout time.Duration // agent heartbeat age treated as stale
	FailureThreshold int           // failed agents at which tier-2 aborts
	LogTail          int           // log lines carried into the signal
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 35 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 120 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.LogTail <= 0 {
		o.LogTail = 10
	}
}

// Probe is one tier-1 inspection of the board.
type Probe struct {
	Decision      Decision
	Reason        Reason
	Active        int
	Completed     int
	Failed        int
	Pending       int
	StaleAgents   []string
	ErrorExcerpts []string
	Notes         string
}

// Tier1 observes one swarm run's board directory: a one-line record
// per pass, a signal file on intervention, an archived board on
// completion. It never mutates agent state.
type Tier1 struct {
	dir   string
	board *blackboard.Board
	opts  Options
	log   *logger.Logger

	lastUpdated  time.Time
	lastFindings int
}

// NewTier1 builds the polling watcher for one board directory.
func NewTier1(dir string, opts Options, log *logger.Logger) *Tier1 {
	opts.setDefaults()
	return &Tier1{
		dir:   dir,
		board: blackboard.New(dir, "watcher-tier1", log),
		opts:  opts,
		log:   log,
	}
}

// Run polls until the run needs nothing more from this tier: done on
// completion or stop request, escalate once a signal is pending. The
// first pass runs immediately.
func (t *Tier1) Run(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, done, err := t.pass(ctx)
		if err != nil {
			return StatusError, err
		}
		if done {
			return status, nil
		}

		select {
		case <-ctx.Done():
			t.log.Info("watcher interrupted", "dir", t.dir)
			return StatusDone, nil
		case <-ticker.C:
		}
	}
}

// pass runs one observation cycle. done reports whether the loop
// should stop with the returned status.
func (t *Tier1) pass(ctx context.Context) (Status, bool, error) {
	now := time.Now().UTC()

	if StopRequested(t.dir) {
		t.record(now, DecisionStopped, "stop file present, archiving board")
		t.cleanup(ctx)
		return StatusDone, true, nil
	}
	if SignalExists(t.dir) {
		t.record(now, DecisionIntervene, "escalation signal pending, deferring to tier-2")
		return StatusEscalate, true, nil
	}

	snap, err := t.board.Snapshot()
	if faults.Is(err, faults.KindNotFound) {
		if archived, _ := filepath.Glob(filepath.Join(t.dir, "blackboard-*.archived.json")); len(archived) > 0 {
			t.record(now, DecisionComplete, "board already archived")
			return StatusDone, true, nil
		}
		t.record(now, DecisionWarning, "no blackboard yet")
		return StatusDone, false, nil
	}
	if err != nil {
		return StatusError, true, err
	}

	probe := t.evaluate(snap, now)
	t.record(now, probe.Decision, probe.Notes)

	switch probe.Decision {
	case DecisionComplete:
		t.cleanup(ctx)
		return StatusDone, true, nil
	case DecisionIntervene:
		if err := t.raise(probe, now); err != nil {
			return StatusError, true, err
		}
		return StatusEscalate, true, nil
	}
	return StatusDone, false, nil
}

// evaluate applies the bounded rule set, most severe condition first:
// failures, error keywords in agent logs, stale heartbeats, deadlock,
// then completion, inactivity, nominal.
func (t *Tier1) evaluate(snap *blackboard.Document, now time.Time) *Probe {
	p := &Probe{}
	for id, a := range snap.Agents {
		switch a.State {
		case blackboard.AgentCompleted:
			p.Completed++
		case blackboard.AgentFailed:
			p.Failed++
		default:
			p.Active++
			if now.Sub(a.HeartbeatAt) > t.opts.HeartbeatTimeout {
				p.StaleAgents = append(p.StaleAgents, id)
			}
		}
	}
	sort.Strings(p.StaleAgents)
	p.Pending = len(snap.PendingTasks())
	p.ErrorExcerpts = ErrorExcerpts(t.dir)

	blocked := t.blockedQuestions(snap, now)
	orphaned := p.Pending > 0 && p.Active == 0 && p.Failed == 0

	switch {
	case p.Active == 0 && p.Failed > 0 && HasRuling(t.dir):
		// Tier-2 already ruled on this terminal state; the run is over.
		p.Decision = DecisionComplete
		p.Notes = fmt.Sprintf("run settled by watcher ruling, %d of %d agents failed", p.Failed, len(snap.Agents))
	case p.Failed >= t.opts.FailureThreshold:
		p.Decision, p.Reason = DecisionIntervene, ReasonAgentFailures
		p.Notes = fmt.Sprintf("%d of %d agents failed", p.Failed, len(snap.Agents))
	case p.Active == 0 && p.Failed > 0:
		p.Decision, p.Reason = DecisionIntervene, ReasonAgentFailures
		p.Notes = fmt.Sprintf("run finished with %d of %d agents failed", p.Failed, len(snap.Agents))
	case len(p.ErrorExcerpts) > 0:
		p.Decision, p.Reason = DecisionIntervene, ReasonErrorKeywords
		p.Notes = fmt.Sprintf("error keywords in %d agent log line(s)", len(p.ErrorExcerpts))
	case len(p.StaleAgents) > 0:
		p.Decision, p.Reason = DecisionIntervene, ReasonStaleAgents
		p.Notes = "stale agents: " + strings.Join(p.StaleAgents, ", ")
	case len(blocked) > 0:
		p.Decision, p.Reason = DecisionIntervene, ReasonDeadlock
		p.Notes = fmt.Sprintf("%d blocking question(s) unanswered past %s", len(blocked), t.opts.HeartbeatTimeout)
	case orphaned:
		p.Decision, p.Reason = DecisionIntervene, ReasonDeadlock
		p.Notes = fmt.Sprintf("%d pending task(s) with no agent to claim them", p.Pending)
	case len(snap.Agents) > 0 && p.Active == 0 && p.Pending == 0:
		p.Decision = DecisionComplete
		p.Notes = fmt.Sprintf("all %d agents completed", p.Completed)
	case !t.lastUpdated.IsZero() && !snap.UpdatedAt.After(t.lastUpdated) && len(snap.Findings) == t.lastFindings:
		p.Decision = DecisionWarning
		p.Notes = "no board activity since last pass"
	default:
		p.Decision = DecisionNominal
		p.Notes = fmt.Sprintf("%d active, %d completed, %d findings", p.Active, p.Completed, len(snap.Findings))
	}

	t.lastUpdated = snap.UpdatedAt
	t.lastFindings = len(snap.Findings)
	return p
}

// blockedQuestions returns open blocking questions older than the
// heartbeat timeout. Nobody answering for that long means the run is
// wedged on a decision.
func (t *Tier1) blockedQuestions(snap *blackboard.Document, now time.Time) []blackboard.Question {
	var out []blackboard.Question
	for _, q := range snap.OpenQuestions() {
		if q.Blocking && now.Sub(q.CreatedAt) > t.opts.HeartbeatTimeout {
			out = append(out, q)
		}
	}
	return out
}

// raise creates the escalation signal exclusively. A signal that
// appeared since the probe means another watcher won the race; the
// escalation stands either way.
func (t *Tier1) raise(p *Probe, now time.Time) error {
	sig := &Signal{
		ID:            "esc-" + shortID(),
		Reason:        p.Reason,
		CreatedAt:     now,
		StaleAgents:   p.StaleAgents,
		ErrorExcerpts: p.ErrorExcerpts,
		LogTail:       TailLog(t.dir, t.opts.LogTail),
	}
	err := CreateSignal(t.dir, sig)
	if faults.Is(err, faults.KindConflict) {
		t.log.Warn("escalation signal already present", "dir", t.dir)
		return nil
	}
	if err != nil {
		return err
	}
	t.log.Info("escalation signal raised",
		"id", sig.ID,
		"reason", sig.Reason,
		"stale_agents", len(sig.StaleAgents),
		"error_excerpts", len(sig.ErrorExcerpts),
	)
	return nil
}

// cleanup archives the board so the directory can host a later run.
func (t *Tier1) cleanup(ctx context.Context) {
	if _, err := t.board.Archive(ctx); err != nil && !faults.Is(err, faults.KindNotFound) {
		t.log.Warn("board archive failed", "error", err)
	}
}

func (t *Tier1) record(now time.Time, decision Decision, notes string) {
	if err := AppendLog(t.dir, now, string(decision), notes); err != nil {
		t.log.Warn("watch log append failed", "error", err)
	}
	t.log.Info("watcher pass", "status", decision, "notes", notes)
}

// Status prints a one-shot operator view of the watched directory.
func (t *Tier1) Status(w io.Writer) (Status, error) {
	fmt.Fprintf(w, "watching %s\n", t.dir)
	fmt.Fprintf(w, "stop requested: %v\n", StopRequested(t.dir))

	if sig, err := LoadSignal(t.dir); err == nil {
		fmt.Fprintf(w, "signal pending: %s (%s, raised %s)\n",
			sig.ID, sig.Reason, sig.CreatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "signal pending: none")
	}

	snap, err := t.board.Snapshot()
	if faults.Is(err, faults.KindNotFound) {
		fmt.Fprintln(w, "board: not found")
		return StatusDone, nil
	}
	if err != nil {
		return StatusError, err
	}

	p := t.evaluate(snap, time.Now().UTC())
	fmt.Fprintf(w, "agents: %d active, %d completed, %d failed, %d stale\n",
		p.Active, p.Completed, p.Failed, len(p.StaleAgents))
	fmt.Fprintf(w, "tasks pending: %d, open questions: %d\n", p.Pending, len(snap.OpenQuestions()))
	fmt.Fprintf(w, "assessment: %s (%s)\n", p.Decision, p.Notes)
	if tail := TailLog(t.dir, 3); len(tail) > 0 {
		fmt.Fprintln(w, "recent log:")
		for _, line := range tail {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return StatusDone, nil
}
