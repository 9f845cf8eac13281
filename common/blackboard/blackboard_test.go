package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	b := New(t.TempDir(), "test-holder", &testLogger{t})
	require.NoError(t, b.Create(context.Background()))
	return b
}

func registerAgents(t *testing.T, b *Board, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := b.RegisterAgent(context.Background(), id, "work on "+id, nil)
		require.NoError(t, err)
	}
}

func TestCreateIsExclusive(t *testing.T) {
	dir := t.TempDir()
	log := &testLogger{t}

	first := New(dir, "creator-1", log)
	require.NoError(t, first.Create(context.Background()))

	doc, err := first.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "1.0", doc.Version)
	assert.Empty(t, doc.Findings)
	assert.Empty(t, doc.Agents)

	second := New(dir, "creator-2", log)
	err = second.Create(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	// losing creator can still use the existing board
	_, err = second.RegisterAgent(context.Background(), "agent-x", "poke around", nil)
	require.NoError(t, err)
}

func TestSnapshotMissingBoard(t *testing.T) {
	b := New(t.TempDir(), "reader", &testLogger{t})
	_, err := b.Snapshot()
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestRegisterAgentResetsCursor(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, "scout", "map the codebase", []string{"auth"})
	require.NoError(t, err)

	_, err = b.AddFinding(ctx, "scout", "discovery", "auth lives in internal/auth", nil, nil, "")
	require.NoError(t, err)
	_, err = b.AddFinding(ctx, "scout", "fact", "tokens rotate hourly", nil, nil, "high")
	require.NoError(t, err)

	// re-registration is idempotent and skips history already on the board
	agent, err := b.RegisterAgent(ctx, "late-joiner", "review auth", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, agent.Cursor)
	assert.Equal(t, AgentActive, agent.State)

	delta, err := b.ReadDelta(ctx, "late-joiner")
	require.NoError(t, err)
	assert.Empty(t, delta)
}

func TestFindingIDsAreSequential(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		f, err := b.AddFinding(ctx, "scout", "fact", fmt.Sprintf("fact %d", i), nil, nil, "")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("finding-%d", i), f.ID)
		assert.Equal(t, "medium", f.Importance)
	}

	doc, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, doc.Findings, 3)
	assert.Equal(t, "fact 1", doc.Findings[0].Content)
	assert.Equal(t, "fact 3", doc.Findings[2].Content)
}

func TestAddFindingValidatesEnums(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.AddFinding(ctx, "scout", "rumor", "heard it somewhere", nil, nil, "")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))

	_, err = b.AddFinding(ctx, "scout", "fact", "solid", nil, nil, "extreme")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestReadDeltaAdvancesCursor(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, "reader", "consume findings", nil)
	require.NoError(t, err)

	_, err = b.AddFinding(ctx, "writer", "fact", "first", nil, nil, "")
	require.NoError(t, err)
	_, err = b.AddFinding(ctx, "writer", "fact", "second", nil, nil, "")
	require.NoError(t, err)

	delta, err := b.ReadDelta(ctx, "reader")
	require.NoError(t, err)
	require.Len(t, delta, 2)
	assert.Equal(t, "first", delta[0].Content)

	delta, err = b.ReadDelta(ctx, "reader")
	require.NoError(t, err)
	assert.Empty(t, delta)

	_, err = b.AddFinding(ctx, "writer", "warning", "third", nil, nil, "")
	require.NoError(t, err)

	delta, err = b.ReadDelta(ctx, "reader")
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, "third", delta[0].Content)

	_, err = b.ReadDelta(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestClaimRequiresRegisteredAgent(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.ClaimChain(ctx, "drifter", []string{"a.go"}, "freelance edit", 0)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))

	// nothing was written: the file stays claimable once the agent joins
	doc, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, doc.ClaimChains)

	registerAgents(t, b, "drifter")
	chain, err := b.ClaimChain(ctx, "drifter", []string{"a.go"}, "freelance edit", 0)
	require.NoError(t, err)
	assert.Equal(t, ChainActive, chain.Status)
	assert.Equal(t, "drifter", chain.AgentID)
}

func TestClaimChainBlocksOverlap(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	registerAgents(t, b, "agent-a", "agent-b")

	first, err := b.ClaimChain(ctx, "agent-a", []string{"pkg/auth/token.go", "pkg/auth/session.go"}, "refactor auth", 0)
	require.NoError(t, err)
	assert.Equal(t, ChainActive, first.Status)
	assert.WithinDuration(t, first.ClaimedAt.Add(DefaultClaimTTL), first.ExpiresAt, time.Second)

	_, err = b.ClaimChain(ctx, "agent-b", []string{"pkg/auth/session.go", "pkg/db/conn.go"}, "migrate sessions", 0)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, []string{"pkg/auth/session.go"}, blocked.ConflictingFiles)
	require.Len(t, blocked.BlockingChains, 1)
	assert.Equal(t, first.ChainID, blocked.BlockingChains[0].ChainID)
	assert.Equal(t, "agent-a", blocked.BlockingChains[0].AgentID)

	// all-or-nothing: the non-conflicting file was not claimed either
	doc, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, doc.BlockingChains([]string{"pkg/db/conn.go"}, time.Now()))

	// the owner cannot double-claim its own held files
	_, err = b.ClaimChain(ctx, "agent-a", []string{"pkg/auth/token.go"}, "second pass", 0)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))
}

func TestReleaseThenReclaim(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	registerAgents(t, b, "agent-a", "agent-b")

	chain, err := b.ClaimChain(ctx, "agent-a", []string{"main.go"}, "edit entrypoint", 0)
	require.NoError(t, err)

	// only the owner may close the chain
	err = b.ReleaseChain(ctx, "agent-b", chain.ChainID)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	require.NoError(t, b.ReleaseChain(ctx, "agent-a", chain.ChainID))

	// released files claimable again
	_, err = b.ClaimChain(ctx, "agent-b", []string{"main.go"}, "my turn", 0)
	require.NoError(t, err)

	// closing twice is a conflict
	err = b.ReleaseChain(ctx, "agent-a", chain.ChainID)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	err = b.CompleteChain(ctx, "agent-a", "no-such-chain")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestExpiredChainsFreeTheirFiles(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	registerAgents(t, b, "agent-a", "agent-b")

	stale, err := b.ClaimChain(ctx, "agent-a", []string{"shared.go"}, "quick fix", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	// expiry is applied lazily on the next write
	fresh, err := b.ClaimChain(ctx, "agent-b", []string{"shared.go"}, "take over", 0)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ChainID, fresh.ChainID)

	doc, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, ChainExpired, doc.ClaimChains[stale.ChainID].Status)
	assert.Equal(t, ChainActive, doc.ClaimChains[fresh.ChainID].Status)
}

func TestClaimNormalizesPaths(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	registerAgents(t, b, "agent-a", "agent-b")

	_, err := b.ClaimChain(ctx, "agent-a", []string{"./pkg/../pkg/util.go"}, "tidy", 0)
	require.NoError(t, err)

	_, err = b.ClaimChain(ctx, "agent-b", []string{"pkg/util.go"}, "also tidy", 0)
	require.Error(t, err)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, []string{"pkg/util.go"}, blocked.ConflictingFiles)
}

func TestMessagesAndContext(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	m, err := b.AddMessage(ctx, "scout", "*", "status", "halfway done")
	require.NoError(t, err)
	assert.Contains(t, m.ID, "msg-")

	_, err = b.AddMessage(ctx, "scout", "builder", "request", "need the schema")
	require.NoError(t, err)

	require.NoError(t, b.SetContext(ctx, "repo_root", "/srv/checkout"))

	doc, err := b.Snapshot()
	require.NoError(t, err)

	inbox := doc.MessagesFor("builder", true)
	require.Len(t, inbox, 2) // direct plus broadcast

	require.NoError(t, b.MarkMessageRead(ctx, m.ID))
	doc, err = b.Snapshot()
	require.NoError(t, err)
	assert.Len(t, doc.MessagesFor("builder", true), 1)
	assert.Equal(t, "/srv/checkout", doc.Context["repo_root"])

	err = b.MarkMessageRead(ctx, "msg-nope")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestTaskQueueLifecycle(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	low, err := b.PushTask(ctx, "sweep logs", 9, nil, "")
	require.NoError(t, err)
	high, err := b.PushTask(ctx, "fix the build", 1, nil, "")
	require.NoError(t, err)

	doc, err := b.Snapshot()
	require.NoError(t, err)
	pending := doc.PendingTasks()
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID)

	require.NoError(t, b.ClaimTask(ctx, high.ID, "builder"))

	err = b.ClaimTask(ctx, high.ID, "slacker")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	require.NoError(t, b.CompleteTask(ctx, high.ID, "green again"))

	doc, err = b.Snapshot()
	require.NoError(t, err)
	pending = doc.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, low.ID, pending[0].ID)
}

func TestQuestionsResolveOnce(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	q, err := b.AddQuestion(ctx, "scout", "postgres or sqlite for the cache?", []string{"postgres", "sqlite"}, true)
	require.NoError(t, err)
	assert.Contains(t, q.ID, "q-")

	doc, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, doc.OpenQuestions(), 1)

	require.NoError(t, b.AnswerQuestion(ctx, q.ID, "sqlite", "lead"))

	err = b.AnswerQuestion(ctx, q.ID, "postgres", "contrarian")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	doc, err = b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, doc.OpenQuestions())
	assert.Equal(t, "sqlite", doc.Questions[0].Answer)
}

func TestAgentLifecycleStates(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, "scout", "explore", nil)
	require.NoError(t, err)

	require.NoError(t, b.Heartbeat(ctx, "scout"))

	err = b.Heartbeat(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))

	require.NoError(t, b.SetAgentState(ctx, "scout", AgentCompleted, "mapped 4 packages"))

	doc, err := b.Snapshot()
	require.NoError(t, err)
	agent := doc.Agents["scout"]
	assert.Equal(t, AgentCompleted, agent.State)
	assert.Equal(t, "mapped 4 packages", agent.Result)
	require.NotNil(t, agent.FinishedAt)
	assert.Empty(t, doc.ActiveAgents())
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.AddFinding(ctx, fmt.Sprintf("agent-%d", i), "fact", fmt.Sprintf("note %d", i), nil, nil, "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	doc, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, doc.Findings, writers)

	seen := map[string]bool{}
	for i, f := range doc.Findings {
		assert.Equal(t, fmt.Sprintf("finding-%d", i+1), f.ID)
		assert.False(t, seen[f.Content])
		seen[f.Content] = true
	}
}

func TestBreakGlassRecoversAbandonedLock(t *testing.T) {
	b := newTestBoard(t)

	// simulate a holder that crashed mid-update
	claim, err := json.Marshal(lockClaim{Holder: "dead-agent", AcquiredAt: time.Now().UTC().Add(-5 * time.Minute)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.lockFile, claim, 0o644))

	_, err = b.AddFinding(context.Background(), "survivor", "fact", "still here", nil, nil, "")
	require.NoError(t, err)

	_, err = os.Stat(b.lockFile)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireTimesOutOnHeldLock(t *testing.T) {
	b := newTestBoard(t)
	b.timeout = 150 * time.Millisecond

	claim, err := json.Marshal(lockClaim{Holder: "busy-agent", AcquiredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.lockFile, claim, 0o644))

	_, err = b.AddFinding(context.Background(), "waiter", "fact", "blocked", nil, nil, "")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTimeout))
}

func TestArchiveMovesDocumentAside(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.AddFinding(ctx, "scout", "fact", "keep this", nil, nil, "")
	require.NoError(t, err)

	dest, err := b.Archive(ctx)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(dest), ".archived.json")

	_, err = b.Snapshot()
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Findings, 1)
}
