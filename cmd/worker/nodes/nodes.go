// Package nodes runs workflow node firings for the conductor: a single
// agent, a parallel fan-out, or a role swarm coordinating over a
// blackboard. Every kind spawns agents through one Runner seam, so the
// same walk executes against an in-process model call, a launched task,
// or a tmux window, depending on worker configuration.
package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/knowledge"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/trail"
	"github.com/anthive/orchestrator/common/validation"
)

// SpawnRequest describes one agent to run. Identifier fields are
// validated before a request is built; runners re-screen at their own
// boundaries.
type SpawnRequest struct {
	TenantID  string
	RunID     string
	NodeID    string
	AgentID   string
	AgentType string
	Prompt    string
	// WorkDir is the run workspace the agent works in.
	WorkDir string
	// Env carries extra variables beyond the standard set, such as the
	// blackboard path for swarm members.
	Env map[string]string
	// Heartbeat extends the enclosing job's visibility while the agent
	// runs. Long-polling runners call it each tick; may be nil.
	Heartbeat func(context.Context) error
}

// SpawnResult is one agent's raw output.
type SpawnResult struct {
	Text string
	// ResultDoc is a structured result the agent produced, when it
	// produced one.
	ResultDoc  json.RawMessage
	SessionID  string
	TokenCount int64
}

// Runner spawns one agent and waits for it. Implementations must honor
// ctx cancellation. Implementations: in-process LLM calls, launched
// tasks, tmux windows.
type Runner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// Options tunes the node executor.
type Options struct {
	// DefaultAgentType is used when a role does not name one.
	DefaultAgentType string
	// Domain tags knowledge lookups and outcome records.
	Domain knowledge.Domain
	// SwarmPoll is how often a draining swarm checks the board and
	// heartbeats the enclosing job.
	SwarmPoll time.Duration
}

func (o *Options) withDefaults() {
	if o.DefaultAgentType == "" {
		o.DefaultAgentType = "general-purpose"
	}
	if o.Domain == "" {
		o.Domain = knowledge.DomainGeneral
	}
	if o.SwarmPoll <= 0 {
		o.SwarmPoll = 10 * time.Second
	}
}

// Executor turns node firings into agent spawns. It satisfies
// conductor.NodeExecutor. The knowledge service and trail ledger are
// optional; a nil service disables that side of the learning loop.
type Executor struct {
	runner Runner
	know   *knowledge.Service
	trails *trail.Ledger
	log    *logger.Logger
	opts   Options
}

// NewExecutor wires a node executor.
func NewExecutor(runner Runner, know *knowledge.Service, trails *trail.Ledger, log *logger.Logger, opts Options) (*Executor, error) {
	opts.withDefaults()
	if _, err := validation.Validate(opts.DefaultAgentType, validation.KindAgentType); err != nil {
		return nil, err
	}
	if _, err := knowledge.ParseDomain(string(opts.Domain)); err != nil {
		return nil, err
	}
	return &Executor{runner: runner, know: know, trails: trails, log: log, opts: opts}, nil
}

// Execute runs one firing with the strategy its node kind selects.
func (e *Executor) Execute(ctx context.Context, f *conductor.Firing) (*conductor.NodeResult, error) {
	switch f.Node.Kind {
	case models.NodeParallel:
		return e.parallel(ctx, f)
	case models.NodeSwarm:
		return e.swarm(ctx, f)
	default:
		return e.single(ctx, f)
	}
}

// spawn builds the request for one agent and hands it to the runner.
func (e *Executor) spawn(ctx context.Context, f *conductor.Firing, agentID, agentType, prompt string, env map[string]string) (*SpawnResult, error) {
	return e.runner.Spawn(ctx, SpawnRequest{
		TenantID:  f.TenantID,
		RunID:     f.RunID,
		NodeID:    f.Node.ID,
		AgentID:   agentID,
		AgentType: agentType,
		Prompt:    prompt,
		WorkDir:   f.Workspace,
		Env:       env,
		Heartbeat: f.Heartbeat,
	})
}

// consult prepends learned context above the node instructions and
// returns the heuristic ids it surfaced. A failed lookup degrades to the
// bare prompt.
func (e *Executor) consult(ctx context.Context, f *conductor.Firing, log *logger.Logger) (string, []string) {
	prompt := f.Execution.Prompt
	if e.know == nil || !f.InjectContext {
		return prompt, nil
	}
	res, err := e.know.Query(ctx, f.TenantID, knowledge.Request{
		TaskText: prompt,
		Domain:   e.opts.Domain,
	})
	if err != nil {
		log.Warn("knowledge lookup failed", "node_id", f.Node.ID, "error", err)
		return prompt, nil
	}
	if res.Text == "" {
		return prompt, nil
	}
	return res.Text + "\n\n" + prompt, res.HeuristicIDs
}

// noteOutcome closes the learning loop for one firing: failures are
// recorded for similarity matching and consulted heuristics are
// validated or violated. Best effort.
func (e *Executor) noteOutcome(ctx context.Context, f *conductor.Firing, agentID string, consulted []string, spawnErr error, log *logger.Logger) {
	if e.know == nil {
		return
	}
	// Shutdown interruptions are not outcomes.
	if errors.Is(spawnErr, context.Canceled) {
		return
	}
	o := &knowledge.Outcome{
		TenantID:     f.TenantID,
		RunID:        f.RunID,
		NodeID:       f.Node.ID,
		AgentID:      agentID,
		TaskText:     f.Execution.Prompt,
		Domain:       e.opts.Domain,
		ConsultedIDs: consulted,
	}
	if spawnErr != nil {
		o.Failed = true
		o.ErrorKind = string(faults.KindOf(spawnErr))
		o.ErrorMessage = spawnErr.Error()
	}
	if err := e.know.RecordOutcome(ctx, o); err != nil {
		log.Warn("outcome record failed", "node_id", f.Node.ID, "error", err)
	}
}

// layTrails marks where the node's agents worked and what they flagged.
// The ledger batches these; a full buffer drops the trail with a log
// line.
func (e *Executor) layTrails(f *conductor.Firing, agentID string, findings []models.Finding, files []string) {
	if e.trails == nil {
		return
	}
	for _, file := range files {
		e.addTrail(trail.Trail{
			TenantID:     f.TenantID,
			RunID:        f.RunID,
			Location:     file,
			LocationKind: trail.LocationFile,
			Scent:        trail.ScentDiscovery,
			Strength:     1.0,
			AgentID:      agentID,
			NodeID:       f.Node.ID,
			Message:      clip(f.Node.Name, 50),
		})
	}
	for _, fd := range findings {
		var scent trail.Scent
		switch fd.Kind {
		case models.FindingBlocker:
			scent = trail.ScentBlocker
		case models.FindingWarning:
			scent = trail.ScentWarning
		default:
			continue
		}
		e.addTrail(trail.Trail{
			TenantID:     f.TenantID,
			RunID:        f.RunID,
			Location:     f.Node.ID,
			LocationKind: trail.LocationConcept,
			Scent:        scent,
			Strength:     0.9,
			AgentID:      agentID,
			NodeID:       f.Node.ID,
			Message:      clip(fd.Content, 120),
		})
	}
}

func (e *Executor) addTrail(t trail.Trail) {
	if err := e.trails.Add(t); err != nil {
		e.log.Warn("trail dropped", "location", t.Location, "error", err)
	}
}

func (e *Executor) roleAgentType(role models.Role) string {
	if role.AgentType != "" {
		return role.AgentType
	}
	return e.opts.DefaultAgentType
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
