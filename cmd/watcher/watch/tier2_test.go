package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/blackboard"
	"github.com/anthive/orchestrator/common/llm"
)

type fakeProvider struct {
	text string
	err  error
	last llm.Request
}

func (p *fakeProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Text: p.text, Model: "fake"}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func readDecisions(t *testing.T, dir string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, DecisionName))
	require.NoError(t, err)
	return string(raw)
}

func messagesOfKind(doc *blackboard.Document, kind string) []blackboard.Message {
	var out []blackboard.Message
	for _, m := range doc.Messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func TestTier2RestartStaleAgent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "researcher", "map the codebase", nil)
	require.NoError(t, err)
	require.NoError(t, b.SetAgentState(ctx, "researcher", blackboard.AgentStale, ""))

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:          "esc-restart",
		Reason:      ReasonStaleAgents,
		CreatedAt:   time.Now().UTC(),
		StaleAgents: []string{"researcher"},
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	agent := snap.Agents["researcher"]
	require.NotNil(t, agent)
	assert.Equal(t, blackboard.AgentActive, agent.State)
	assert.WithinDuration(t, time.Now(), agent.HeartbeatAt, 5*time.Second)
	assert.Nil(t, agent.FinishedAt)

	restarts := messagesOfKind(snap, "restart")
	require.Len(t, restarts, 1)
	assert.Equal(t, "researcher", restarts[0].To)

	assert.False(t, SignalExists(dir))
	archived, err := filepath.Glob(filepath.Join(dir, "escalation-*.archived.signal"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	assert.Contains(t, readDecisions(t, dir), "**Action:** restart")
	assert.Contains(t, readWatchLog(t, dir), "HANDLER: restart")
}

func TestTier2AbortAtFailureThreshold(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	for _, id := range []string{"worker-a", "worker-b", "worker-c"} {
		_, err := b.RegisterAgent(ctx, id, "work", nil)
		require.NoError(t, err)
		require.NoError(t, b.SetAgentState(ctx, id, blackboard.AgentFailed, "exit 1"))
	}
	_, err := b.RegisterAgent(ctx, "worker-d", "work", nil)
	require.NoError(t, err)

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-abort",
		Reason:    ReasonAgentFailures,
		CreatedAt: time.Now().UTC(),
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, blackboard.AgentFailed, snap.Agents["worker-d"].State)
	assert.Empty(t, snap.ActiveAgents())
	assert.NotEmpty(t, messagesOfKind(snap, "abort"))
	assert.Contains(t, readDecisions(t, dir), "**Action:** abort")
}

func TestTier2SynthesizeSalvagesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "worker-a", "analyze auth", nil)
	require.NoError(t, err)
	_, err = b.RegisterAgent(ctx, "worker-b", "analyze storage", nil)
	require.NoError(t, err)
	_, err = b.AddFinding(ctx, "worker-a", "discovery", "tokens rotate hourly", nil, nil, "high")
	require.NoError(t, err)
	require.NoError(t, b.SetAgentState(ctx, "worker-a", blackboard.AgentFailed, "crashed mid-run"))

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-synth",
		Reason:    ReasonAgentFailures,
		CreatedAt: time.Now().UTC(),
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)

	// the straggler settles so the run can end on the salvaged state
	assert.Equal(t, blackboard.AgentCompleted, snap.Agents["worker-b"].State)
	assert.Equal(t, blackboard.AgentFailed, snap.Agents["worker-a"].State)

	digest := snap.Context["watcher.synthesis"]
	require.NotEmpty(t, digest)
	assert.Contains(t, digest, "1 failed")
	require.NotEmpty(t, messagesOfKind(snap, "synthesis"))
	assert.Contains(t, readDecisions(t, dir), "**Action:** synthesize")
}

func TestTier2SynthesizeUsesProvider(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "worker-a", "analyze auth", nil)
	require.NoError(t, err)
	require.NoError(t, b.SetAgentState(ctx, "worker-a", blackboard.AgentFailed, "partial notes"))

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-llm",
		Reason:    ReasonErrorKeywords,
		CreatedAt: time.Now().UTC(),
	}))

	provider := &fakeProvider{text: "auth analysis is half done; storage untouched"}
	t2 := NewTier2(dir, provider, Options{}, testLog())
	_, err = t2.Handle(ctx)
	require.NoError(t, err)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "auth analysis is half done; storage untouched", snap.Context["watcher.synthesis"])
	assert.Contains(t, provider.last.Prompt, "worker-a")
}

func TestTier2ProviderFailureFallsBackToDigest(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "worker-a", "analyze auth", nil)
	require.NoError(t, err)
	require.NoError(t, b.SetAgentState(ctx, "worker-a", blackboard.AgentFailed, "partial notes"))

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-fallback",
		Reason:    ReasonErrorKeywords,
		CreatedAt: time.Now().UTC(),
	}))

	provider := &fakeProvider{err: errors.New("model overloaded")}
	t2 := NewTier2(dir, provider, Options{}, testLog())
	_, err = t2.Handle(ctx)
	require.NoError(t, err)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap.Context["watcher.synthesis"], "Synthesis after error_keywords")
}

func TestTier2ReassignQueuesFailedTask(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "loser", "dig through logs", nil)
	require.NoError(t, err)
	_, err = b.RegisterAgent(ctx, "helper", "other work", nil)
	require.NoError(t, err)
	require.NoError(t, b.SetAgentState(ctx, "loser", blackboard.AgentFailed, ""))

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-reassign",
		Reason:    ReasonErrorKeywords,
		CreatedAt: time.Now().UTC(),
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	pending := snap.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, "dig through logs", pending[0].Task)
	assert.Equal(t, 1, pending[0].Priority)

	// the living peer is untouched
	assert.Equal(t, blackboard.AgentActive, snap.Agents["helper"].State)
	assert.Contains(t, readWatchLog(t, dir), "HANDLER: reassign")
}

func TestTier2DeadlockEscalatesToHuman(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "worker-a", "work", nil)
	require.NoError(t, err)

	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-human",
		Reason:    ReasonDeadlock,
		CreatedAt: time.Now().UTC(),
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalate, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	open := snap.OpenQuestions()
	require.Len(t, open, 1)
	assert.Equal(t, WatcherID, open[0].AgentID)
	assert.True(t, open[0].Blocking)
	assert.False(t, SignalExists(dir))
}

// Full escalation cycle: tier-1 spots the stale agent and raises the
// signal, tier-2 restarts it, tier-1 resumes and sees a healthy run.
func TestWatcherEscalationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newBoard(t, dir)
	_, err := b.RegisterAgent(ctx, "researcher", "map the codebase", nil)
	require.NoError(t, err)
	_, err = b.RegisterAgent(ctx, "reviewer", "review findings", nil)
	require.NoError(t, err)
	ageAgent(t, dir, "reviewer", 5*time.Minute)

	t1 := NewTier1(dir, Options{}, testLog())
	status, done, err := t1.pass(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, StatusEscalate, status)

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err = t2.Handle(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, blackboard.AgentActive, snap.Agents["reviewer"].State)
	assert.WithinDuration(t, time.Now(), snap.Agents["reviewer"].HeartbeatAt, 5*time.Second)

	// clear to resume: the next pass finds a healthy run
	_, done, err = t1.pass(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, readWatchLog(t, dir), "STATUS: nominal")
}

func TestTier2NoSignalIsDone(t *testing.T) {
	t2 := NewTier2(t.TempDir(), nil, Options{}, testLog())
	status, err := t2.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)
}

func TestTier2SignalWithoutBoardIsArchived(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreateSignal(dir, &Signal{
		ID:        "esc-stray",
		Reason:    ReasonStaleAgents,
		CreatedAt: time.Now().UTC(),
	}))

	t2 := NewTier2(dir, nil, Options{}, testLog())
	status, err := t2.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)
	assert.False(t, SignalExists(dir))
}
