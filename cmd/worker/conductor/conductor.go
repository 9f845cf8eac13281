// Package conductor walks workflow DAGs inside the worker: it fires
// ready nodes through a node executor, folds their results into the
// shared run context, routes edges by condition and priority, and
// records every ruling in the decision trail.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/retry"
	"github.com/anthive/orchestrator/common/telemetry"
	"github.com/anthive/orchestrator/common/validation"
)

// RunStore persists workflow runs. *repository.RunRepository satisfies
// it.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	UpdateStatus(ctx context.Context, runID string, status models.RunStatus) error
	UpdatePhase(ctx context.Context, runID, phase string) error
	UpdateContext(ctx context.Context, runID string, doc json.RawMessage) error
	Finish(ctx context.Context, runID string, status models.RunStatus, output json.RawMessage) error
	SetTotalNodes(ctx context.Context, runID string, total int) error
	BumpNodeCounts(ctx context.Context, runID string, completed, failed int) error
}

// ExecutionStore persists node firings. *repository.NodeExecutionRepository
// satisfies it.
type ExecutionStore interface {
	Create(ctx context.Context, e *models.NodeExecution) error
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, e *models.NodeExecution) error
	CompletedByPromptHash(ctx context.Context, tenantID, promptHash string) (*models.NodeExecution, error)
}

// DecisionLog is the append-only audit trail. *repository.DecisionRepository
// satisfies it.
type DecisionLog interface {
	Append(ctx context.Context, d *models.Decision) error
}

// Firing is one node execution handed to a node executor. Context is a
// snapshot of the run context at fire time; later merges do not touch
// it. The execution record is read-only for the executor.
type Firing struct {
	TenantID  string
	RunID     string
	Node      *models.Node
	Execution *models.NodeExecution
	Context   json.RawMessage
	// Workspace is the job directory the run works in.
	Workspace string
	// InjectContext asks the executor to prepend learned knowledge to
	// the agent prompt.
	InjectContext bool
	// Heartbeat extends the enclosing job lease. May be nil.
	Heartbeat func(context.Context) error
}

// NodeResult is what a node executor reports back from one firing.
type NodeResult struct {
	ResultJSON    json.RawMessage
	ResultText    string
	Findings      []models.Finding
	FilesModified []string
	AgentID       string
	SessionID     string
	TokenCount    int64
}

// NodeExecutor runs one node firing to completion. Implementations must
// honor ctx cancellation.
type NodeExecutor interface {
	Execute(ctx context.Context, f *Firing) (*NodeResult, error)
}

// Options tunes a conductor.
type Options struct {
	// RunConcurrency bounds simultaneous node firings within one run.
	RunConcurrency int
}

func (o *Options) withDefaults() {
	if o.RunConcurrency < 1 {
		o.RunConcurrency = 4
	}
}

// Conductor executes workflow definitions as runs.
type Conductor struct {
	runs      RunStore
	execs     ExecutionStore
	decisions DecisionLog
	executor  NodeExecutor
	conds     *conditions
	metrics   *telemetry.Metrics
	log       *logger.Logger
	opts      Options
}

// New wires a conductor.
func New(runs RunStore, execs ExecutionStore, decisions DecisionLog, executor NodeExecutor, metrics *telemetry.Metrics, log *logger.Logger, opts Options) (*Conductor, error) {
	opts.withDefaults()
	conds, err := newConditions()
	if err != nil {
		return nil, err
	}
	return &Conductor{
		runs:      runs,
		execs:     execs,
		decisions: decisions,
		executor:  executor,
		conds:     conds,
		metrics:   metrics,
		log:       log,
		opts:      opts,
	}, nil
}

// RunSpec describes one run request.
type RunSpec struct {
	TenantID string
	// Workflow is the definition to execute. Ad-hoc definitions carry an
	// empty ID.
	Workflow *models.Workflow
	// Input seeds the run context. An object merges directly; any other
	// document lands under "input".
	Input json.RawMessage
	// Workspace is the job directory agents work in.
	Workspace string
	// InjectContext asks node executors to prepend learned knowledge to
	// agent prompts.
	InjectContext bool
	// Heartbeat extends the enclosing job lease while nodes run. May be
	// nil.
	Heartbeat func(context.Context) error
}

// Execute validates the workflow, creates the run, and walks the graph
// until the end sentinel fires, every reachable node settles, or the
// run aborts. The returned run reflects the terminal state; the error
// is non-nil whenever the run did not complete.
func (c *Conductor) Execute(ctx context.Context, spec RunSpec) (*models.Run, error) {
	wf := spec.Workflow
	if wf == nil {
		return nil, faults.Validation("run spec has no workflow")
	}
	if _, err := validation.Validate(spec.TenantID, validation.KindTenant); err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	seed, err := seedContext(spec.Input)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		WorkflowID: wf.ID,
		TenantID:   spec.TenantID,
		Status:     models.RunPending,
		Phase:      "init",
		Input:      spec.Input,
		Context:    seed,
	}
	if err := retry.Do(ctx, func() error { return c.runs.Create(ctx, run) }); err != nil {
		return nil, err
	}
	log := c.log.WithTenant(spec.TenantID).WithRunID(run.ID)
	log.Info("run created", "workflow", wf.Name, "nodes", len(wf.Nodes), "edges", len(wf.Edges))

	// Every condition compiles before anything fires; a bad expression
	// fails the whole run, not one edge mid-walk.
	for _, e := range wf.Edges {
		if cerr := c.conds.compile(e.Condition); cerr != nil {
			c.record(ctx, run.ID, models.DecisionAbort,
				map[string]any{"from": e.From, "to": e.To, "condition": e.Condition}, cerr.Error(), log)
			_ = c.finishRun(ctx, run, models.RunFailed, log)
			return run, cerr
		}
	}

	if err := retry.Do(ctx, func() error { return c.runs.SetTotalNodes(ctx, run.ID, len(wf.Nodes)) }); err != nil {
		return run, err
	}
	run.TotalNodes = len(wf.Nodes)
	if err := retry.Do(ctx, func() error { return c.runs.UpdateStatus(ctx, run.ID, models.RunRunning) }); err != nil {
		return run, err
	}
	run.Status = models.RunRunning
	c.phase(ctx, run, "executing", log)

	w := newWalk(wf)
	c.schedule(ctx, w, run, spec, log)

	if ctx.Err() != nil {
		status := models.RunFailed
		if errors.Is(ctx.Err(), context.Canceled) {
			status = models.RunCancelled
		}
		c.record(ctx, run.ID, models.DecisionAbort, nil, "run interrupted: "+ctx.Err().Error(), log)
		_ = c.finishRun(ctx, run, status, log)
		return run, ctx.Err()
	}
	if w.aborted {
		_ = c.finishRun(ctx, run, models.RunFailed, log)
		return run, w.abortErr
	}

	c.phase(ctx, run, "finalizing", log)
	if err := c.finishRun(ctx, run, models.RunCompleted, log); err != nil {
		return run, err
	}
	return run, nil
}

// firingOutcome carries one node result back to the scheduler goroutine.
type firingOutcome struct {
	nodeID  string
	exec    *models.NodeExecution
	res     *NodeResult
	err     error
	started time.Time
}

// schedule walks the graph: fire ready nodes under the concurrency
// bound, fold results as they land, and stop once the end sentinel
// fires, the run aborts, or nothing is left to do. In-flight firings
// always drain before return.
func (c *Conductor) schedule(ctx context.Context, w *walk, run *models.Run, spec RunSpec, log *logger.Logger) {
	results := make(chan *firingOutcome)
	inFlight := 0

	// Start edges route against the seeded context.
	c.expand(ctx, w, run, models.StartNode, nodeCompleted, log)

	for {
		for ctx.Err() == nil && !w.aborted && !w.endFired {
			id, ok := w.nextReady()
			if !ok {
				break
			}
			if !w.incomingFired(id) {
				c.skipNode(ctx, w, run, id, log)
				continue
			}
			if inFlight >= c.opts.RunConcurrency {
				break
			}
			if c.fireNode(ctx, w, run, spec, id, results, log) {
				inFlight++
			}
		}

		if inFlight == 0 {
			return
		}
		out := <-results
		inFlight--
		if refire := c.settle(ctx, w, run, out, log); refire != "" {
			if ctx.Err() == nil && !w.aborted && !w.endFired &&
				c.fireNode(ctx, w, run, spec, refire, results, log) {
				inFlight++
			}
		}
	}
}

// fireNode starts one execution of a ready node. Returns true when an
// executor goroutine is in flight; prompt-cache hits and store failures
// settle synchronously.
func (c *Conductor) fireNode(ctx context.Context, w *walk, run *models.Run, spec RunSpec, id string, results chan<- *firingOutcome, log *logger.Logger) bool {
	node, ok := w.wf.Node(id)
	if !ok {
		c.abortRun(ctx, w, run, map[string]any{"node_id": id},
			faults.Permanent(nil, "graph lost node %s", id), log)
		return false
	}

	prompt := renderPrompt(node.PromptTemplate, run.Context, w.results)
	exec := &models.NodeExecution{
		RunID:      run.ID,
		NodeID:     id,
		NodeKind:   node.Kind,
		Prompt:     prompt,
		PromptHash: models.HashPrompt(prompt),
		Status:     models.ExecPending,
		RetryCount: w.retries[id],
	}

	cached, err := c.execs.CompletedByPromptHash(ctx, spec.TenantID, exec.PromptHash)
	if err != nil && !faults.Is(err, faults.KindNotFound) {
		log.Warn("prompt cache lookup failed", "node_id", id, "error", err)
	}
	if err == nil && cached != nil {
		c.settleFromCache(ctx, w, run, exec, cached, log)
		return false
	}

	if err := retry.Do(ctx, func() error { return c.execs.Create(ctx, exec) }); err != nil {
		c.abortRun(ctx, w, run, map[string]any{"node_id": id}, err, log)
		return false
	}
	c.record(ctx, run.ID, models.DecisionFireNode,
		map[string]any{"node_id": id, "execution_id": exec.ID, "kind": string(node.Kind), "retry_count": exec.RetryCount},
		"", log)
	if err := retry.Do(ctx, func() error { return c.execs.MarkRunning(ctx, exec.ID) }); err != nil {
		log.Warn("mark running failed", "execution_id", exec.ID, "error", err)
	}

	w.state[id] = nodeFiring
	c.metrics.NodesFired.WithLabelValues(string(node.Kind)).Inc()
	log.Info("node fired", "node_id", id, "kind", string(node.Kind),
		"execution_id", exec.ID, "retry_count", exec.RetryCount)

	firing := &Firing{
		TenantID:      spec.TenantID,
		RunID:         run.ID,
		Node:          node,
		Execution:     exec,
		Context:       run.Context,
		Workspace:     spec.Workspace,
		InjectContext: spec.InjectContext,
		Heartbeat:     spec.Heartbeat,
	}
	started := time.Now()
	go func() {
		res, ferr := c.executor.Execute(ctx, firing)
		results <- &firingOutcome{nodeID: id, exec: exec, res: res, err: ferr, started: started}
	}()
	return true
}

// settle folds one firing outcome into the walk and routes onward.
// Returns the node id to re-fire when the failure has retry budget
// left.
func (c *Conductor) settle(ctx context.Context, w *walk, run *models.Run, out *firingOutcome, log *logger.Logger) string {
	exec := out.exec
	exec.DurationMs = time.Since(out.started).Milliseconds()

	if out.err == nil && out.res != nil {
		exec.Status = models.ExecCompleted
		exec.ResultJSON = out.res.ResultJSON
		exec.ResultText = out.res.ResultText
		exec.Findings = out.res.Findings
		exec.FilesModified = out.res.FilesModified
		exec.TokenCount = out.res.TokenCount
		exec.AgentID = out.res.AgentID
		exec.SessionID = out.res.SessionID
		c.completeExec(ctx, exec, log)
		c.completeNode(ctx, w, run, out.nodeID, out.res, log)
		return ""
	}

	ferr := out.err
	if ferr == nil {
		ferr = faults.Handler(nil, "node executor returned no result")
	}
	exec.Status = models.ExecFailed
	exec.ErrorMessage = ferr.Error()
	exec.ErrorKind = executionKind(ferr)
	c.completeExec(ctx, exec, log)

	// Shutdown failures settle the node without routing; the run is
	// about to finalize as interrupted.
	if ctx.Err() != nil {
		w.state[out.nodeID] = nodeFailed
		return ""
	}

	node, _ := w.wf.Node(out.nodeID)
	if node != nil && w.retries[out.nodeID] < node.Config.RetryBudget {
		w.retries[out.nodeID]++
		c.record(ctx, run.ID, models.DecisionRetry,
			map[string]any{"node_id": out.nodeID, "failed_execution_id": exec.ID, "retry_count": w.retries[out.nodeID]},
			ferr.Error(), log)
		log.Warn("node retrying", "node_id", out.nodeID, "retry_count", w.retries[out.nodeID], "error", ferr)
		return out.nodeID
	}

	w.state[out.nodeID] = nodeFailed
	c.bump(ctx, run, 0, 1, log)
	log.Error("node failed", "node_id", out.nodeID, "error", ferr)

	if !w.hasFailureRoute(out.nodeID) {
		c.abortRun(ctx, w, run, map[string]any{"node_id": out.nodeID, "execution_id": exec.ID},
			faults.Handler(ferr, "node %s failed with no failure route", out.nodeID), log)
		return ""
	}
	c.record(ctx, run.ID, models.DecisionSkipNode,
		map[string]any{"node_id": out.nodeID, "execution_id": exec.ID},
		"retry budget exhausted, failure route taken", log)
	c.expand(ctx, w, run, out.nodeID, nodeFailed, log)
	return ""
}

// settleFromCache completes a node from an earlier execution of the
// same prompt, recording a skipped execution instead of firing an
// agent.
func (c *Conductor) settleFromCache(ctx context.Context, w *walk, run *models.Run, exec, cached *models.NodeExecution, log *logger.Logger) {
	exec.Status = models.ExecSkipped
	exec.AgentID = cached.AgentID
	exec.SessionID = cached.SessionID
	exec.ResultJSON = cached.ResultJSON
	exec.ResultText = cached.ResultText
	exec.Findings = cached.Findings
	exec.FilesModified = cached.FilesModified
	exec.TokenCount = cached.TokenCount

	if err := retry.Do(ctx, func() error { return c.execs.Create(ctx, exec) }); err != nil {
		c.abortRun(ctx, w, run, map[string]any{"node_id": exec.NodeID}, err, log)
		return
	}
	c.completeExec(ctx, exec, log)

	c.metrics.PromptCacheHits.Inc()
	c.record(ctx, run.ID, models.DecisionSkipNode,
		map[string]any{"node_id": exec.NodeID, "execution_id": exec.ID,
			"cached_execution_id": cached.ID, "prompt_hash": exec.PromptHash},
		"cached", log)
	log.Info("node served from prompt cache", "node_id", exec.NodeID, "cached_execution_id", cached.ID)

	c.completeNode(ctx, w, run, exec.NodeID, &NodeResult{
		ResultJSON:    cached.ResultJSON,
		ResultText:    cached.ResultText,
		Findings:      cached.Findings,
		FilesModified: cached.FilesModified,
		AgentID:       cached.AgentID,
		SessionID:     cached.SessionID,
		TokenCount:    cached.TokenCount,
	}, log)
}

// completeNode merges a successful result into the run context and
// routes the node's outgoing edges against the updated document.
func (c *Conductor) completeNode(ctx context.Context, w *walk, run *models.Run, id string, res *NodeResult, log *logger.Logger) {
	merged, err := mergeResult(run.Context, id, res)
	if err != nil {
		c.abortRun(ctx, w, run, map[string]any{"node_id": id}, err, log)
		return
	}
	run.Context = merged

	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.runs.UpdateContext(wctx, run.ID, merged) }); err != nil {
		c.abortRun(ctx, w, run, map[string]any{"node_id": id}, err, log)
		return
	}

	w.results[id] = resultDoc(res)
	w.state[id] = nodeCompleted
	c.bump(ctx, run, 1, 0, log)
	log.Info("node completed", "node_id", id)
	c.expand(ctx, w, run, id, nodeCompleted, log)
}

// skipNode settles a ready node that no fired edge reached. Skips
// cascade: the node's own edges never fire, so downstream nodes without
// another live path skip too.
func (c *Conductor) skipNode(ctx context.Context, w *walk, run *models.Run, id string, log *logger.Logger) {
	w.state[id] = nodeSkipped
	c.record(ctx, run.ID, models.DecisionSkipNode,
		map[string]any{"node_id": id}, "no incoming edge fired", log)
	log.Info("node skipped", "node_id", id)
}

// expand routes a settled node's outgoing edges. Completed nodes route
// their normal edges, failed nodes their on_failure edges. Among
// passing edges the lowest priority number wins; ties all fire.
func (c *Conductor) expand(ctx context.Context, w *walk, run *models.Run, from string, outcome nodeState, log *logger.Logger) {
	first := true
	winner := 0
	var chosen []int
	for i := range w.wf.Edges {
		e := &w.wf.Edges[i]
		if e.From != from {
			continue
		}
		eligible := (outcome == nodeCompleted && !e.OnFailure) || (outcome == nodeFailed && e.OnFailure)
		if !eligible {
			continue
		}
		pass, err := c.conds.eval(e.Condition, run.Context)
		if err != nil {
			c.record(ctx, run.ID, models.DecisionSkipNode,
				map[string]any{"from": e.From, "to": e.To, "condition": e.Condition},
				"condition error: "+err.Error(), log)
			log.Warn("edge condition failed to evaluate", "from", e.From, "to", e.To, "error", err)
			continue
		}
		if !pass {
			continue
		}
		if first || e.Priority < winner {
			first = false
			winner = e.Priority
			chosen = chosen[:0]
		}
		if e.Priority == winner {
			chosen = append(chosen, i)
		}
	}

	for _, i := range chosen {
		w.fired[i] = true
		if w.wf.Edges[i].To == models.EndNode {
			w.endFired = true
			log.Info("end reached", "from", from)
		}
	}
}

// abortRun stops new scheduling, keeping the first cause. In-flight
// firings drain before the run finalizes.
func (c *Conductor) abortRun(ctx context.Context, w *walk, run *models.Run, data map[string]any, err error, log *logger.Logger) {
	if w.aborted {
		return
	}
	w.fail(err)
	c.record(ctx, run.ID, models.DecisionAbort, data, err.Error(), log)
	log.Error("run aborted", "error", err)
}

// phase advances the run's phase label with a matching audit entry.
func (c *Conductor) phase(ctx context.Context, run *models.Run, phase string, log *logger.Logger) {
	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.runs.UpdatePhase(wctx, run.ID, phase) }); err != nil {
		log.Warn("phase update failed", "phase", phase, "error", err)
	}
	run.Phase = phase
	c.record(ctx, run.ID, models.DecisionPhaseChange,
		map[string]any{"phase": phase}, "transitioned to "+phase, log)
}

// finishRun writes the terminal status with the final context as the
// run output.
func (c *Conductor) finishRun(ctx context.Context, run *models.Run, status models.RunStatus, log *logger.Logger) error {
	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.runs.Finish(wctx, run.ID, status, run.Context) }); err != nil {
		log.Error("run finish write failed", "status", string(status), "error", err)
		return err
	}
	run.Status = status
	run.Output = run.Context
	log.Info("run finished", "status", string(status))
	return nil
}

// completeExec persists an execution's terminal state. Failures are
// logged; the in-memory walk stays authoritative for routing.
func (c *Conductor) completeExec(ctx context.Context, exec *models.NodeExecution, log *logger.Logger) {
	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.execs.Complete(wctx, exec) }); err != nil {
		log.Error("execution write failed", "execution_id", exec.ID, "error", err)
	}
}

// record appends one audit decision. The trail is best effort; a failed
// append is logged and the run advances.
func (c *Conductor) record(ctx context.Context, runID string, kind models.DecisionKind, data map[string]any, reason string, log *logger.Logger) {
	var raw json.RawMessage
	if len(data) > 0 {
		raw, _ = json.Marshal(data)
	}
	d := &models.Decision{RunID: runID, Kind: kind, Data: raw, Reason: reason}

	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.decisions.Append(wctx, d) }); err != nil {
		log.Warn("decision append failed", "kind", string(kind), "error", err)
	}
}

// bump adjusts the run's node counters, in memory and in the store.
// Counts are advisory; store failures only log.
func (c *Conductor) bump(ctx context.Context, run *models.Run, completed, failed int, log *logger.Logger) {
	run.CompletedNodes += completed
	run.FailedNodes += failed
	wctx, done := writeContext(ctx)
	defer done()
	if err := retry.Do(wctx, func() error { return c.runs.BumpNodeCounts(wctx, run.ID, completed, failed) }); err != nil {
		log.Warn("node count bump failed", "error", err)
	}
}

// resultDoc is the document $nodes references resolve against. Nodes
// that returned no JSON expose their text under result_text.
func resultDoc(res *NodeResult) json.RawMessage {
	if len(res.ResultJSON) > 0 {
		return res.ResultJSON
	}
	doc, err := json.Marshal(map[string]string{"result_text": res.ResultText})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return doc
}

// executionKind maps a firing error to the kind recorded on the row.
func executionKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return string(faults.KindTimeout)
	}
	return string(faults.KindOf(err))
}

// writeContext returns ctx while it lives, or a short detached context
// once it is done, so terminal writes still land during shutdown.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}
