package jobstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/records"
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

func newTestStore(t *testing.T) *Store {
	return New(records.NewMemoryStore(), &testLogger{t})
}

func TestJobLifecycleSuccessPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, "acme", job.TenantID)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	require.NoError(t, s.MarkRunning(ctx, job, "worker-1"))
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, "worker-1", job.WorkerID)

	require.NoError(t, s.MarkSucceeded(ctx, job, "acme/jobs/"+job.ID+"/result.json"))
	assert.Equal(t, StateSucceeded, job.State)
	assert.Empty(t, job.WorkerID)

	got, err := s.Get(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "acme/jobs/"+job.ID+"/result.json", got.ResultPointer)
}

func TestJobLifecycleFailurePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, job, "worker-1"))
	require.NoError(t, s.MarkFailed(ctx, job, faults.KindHandler, "boom"))

	got, err := s.Get(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "handler", got.ErrorKind)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)

	// QUEUED cannot go terminal without RUNNING
	err = s.MarkSucceeded(ctx, job, "r")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	err = s.MarkFailed(ctx, job, faults.KindHandler, "x")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))

	require.NoError(t, s.MarkRunning(ctx, job, "w"))

	// RUNNING cannot be cancelled, only finished
	err = s.Cancel(ctx, job)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))

	require.NoError(t, s.MarkFailed(ctx, job, faults.KindTimeout, "deadline"))

	// terminal jobs accept no further claims
	err = s.MarkRunning(ctx, job, "w2")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestDuplicateTerminalWriteIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, job, "w"))
	require.NoError(t, s.MarkSucceeded(ctx, job, "r1"))

	// second terminal write reports success and changes nothing
	require.NoError(t, s.MarkFailed(ctx, job, faults.KindHandler, "late failure"))

	got, err := s.Get(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "r1", got.ResultPointer)
	assert.Empty(t, got.ErrorKind)
}

func TestStaleCopyTerminalWriteTolerated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, job, "w"))

	// a second dispatcher holds a stale RUNNING copy
	stale, err := s.Get(ctx, "acme", job.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkSucceeded(ctx, job, "r1"))

	// the stale copy's terminal write CAS-misses but is tolerated
	require.NoError(t, s.MarkFailed(ctx, stale, faults.KindHandler, "late"))
	assert.Equal(t, StateSucceeded, stale.State)
}

func TestCASSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claim, err := s.Get(ctx, "acme", job.ID)
			if err != nil {
				return
			}
			workerID := string(rune('a' + n))
			if err := s.MarkRunning(ctx, claim, workerID); err == nil {
				wins <- workerID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	got, err := s.Get(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, winners[0], got.WorkerID)
}

func TestUpdatedAtMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)

	seen := []time.Time{job.UpdatedAt}
	require.NoError(t, s.MarkRunning(ctx, job, "w"))
	seen = append(seen, job.UpdatedAt)
	require.NoError(t, s.Touch(ctx, job))
	seen = append(seen, job.UpdatedAt)
	require.NoError(t, s.Touch(ctx, job))
	seen = append(seen, job.UpdatedAt)
	require.NoError(t, s.MarkSucceeded(ctx, job, "r"))
	seen = append(seen, job.UpdatedAt)

	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i].After(seen[i-1]), "updated_at must advance: %v !> %v", seen[i], seen[i-1])
	}
}

func TestTouchRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)

	err = s.Touch(ctx, job)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, job))
	assert.Equal(t, StateCancelled, job.State)

	err = s.MarkRunning(ctx, job, "w")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestTenantIsolationOnReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)

	_, err = s.Get(ctx, "rival", job.ID)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))

	jobs, err := s.List(ctx, "rival", Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "acme", "workflow", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, j1, "w"))

	running, err := s.List(ctx, "acme", Filter{State: StateRunning}, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, j1.ID, running[0].ID)

	echoes, err := s.List(ctx, "acme", Filter{Type: "echo"}, 10)
	require.NoError(t, err)
	require.Len(t, echoes, 1)

	all, err := s.List(ctx, "acme", Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStaleQueuedAcrossTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old1, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	old2, err := s.Create(ctx, "globex", "echo", nil)
	require.NoError(t, err)
	fresh, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	claimed, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, claimed, "w"))

	cutoff := time.Now().UTC().Add(time.Minute)
	stale, err := s.StaleQueued(ctx, cutoff, 0)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, j := range stale {
		ids[j.ID] = true
	}
	assert.True(t, ids[old1.ID])
	assert.True(t, ids[old2.ID])
	assert.True(t, ids[fresh.ID]) // also older than the future cutoff
	assert.False(t, ids[claimed.ID], "RUNNING jobs are not reconciled")

	// a cutoff in the past matches nothing
	none, err := s.StaleQueued(ctx, time.Now().UTC().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRequeuedBumpsQueuedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "acme", "echo", nil)
	require.NoError(t, err)
	before := job.UpdatedAt

	require.NoError(t, s.Requeued(ctx, job))
	assert.True(t, job.UpdatedAt.After(before))
	assert.Equal(t, StateQueued, job.State)

	// the bump takes the job out of the stale window
	stale, err := s.StaleQueued(ctx, before.Add(time.Nanosecond), 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.MarkRunning(ctx, job, "w"))
	err = s.Requeued(ctx, job)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))
}
