package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/queue"
	"github.com/anthive/orchestrator/common/records"
	rediscommon "github.com/anthive/orchestrator/common/redis"
	"github.com/anthive/orchestrator/common/telemetry"
	"github.com/anthive/orchestrator/common/workspace"
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

// stubStrategy counts executions and delegates to fn.
type stubStrategy struct {
	types map[string]bool
	fn    func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error)

	mu    sync.Mutex
	calls int
}

func (s *stubStrategy) Registered(jobType string) bool { return s.types[jobType] }

func (s *stubStrategy) Execute(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, jc, job)
}

func (s *stubStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type engineFixture struct {
	engine *Engine
	queue  *queue.MemoryQueue
	jobs   *jobstore.Store
	blobs  *blob.MemoryStore
}

func newFixture(t *testing.T, strategy Strategy, opts Options) *engineFixture {
	t.Helper()

	tl := &testLogger{t}
	q := queue.NewMemoryQueue(tl)
	t.Cleanup(func() { _ = q.Close() })

	jobs := jobstore.New(records.NewMemoryStore(), tl)
	blobs := blob.NewMemoryStore()
	paths := workspace.NewManager(t.TempDir(), t.TempDir(), 7, tl)
	log := logger.New("error", "json")

	return &engineFixture{
		engine: NewEngine(q, jobs, blobs, paths, strategy, telemetry.NewMetrics(), log, opts),
		queue:  q,
		jobs:   jobs,
		blobs:  blobs,
	}
}

// start runs the engine until the returned stop func is called.
func (f *engineFixture) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	}
}

func (f *engineFixture) waitState(t *testing.T, tenantID, jobID string, want jobstore.State) *jobstore.Job {
	t.Helper()
	var got *jobstore.Job
	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), tenantID, jobID)
		if err != nil {
			return false
		}
		got = job
		return job.State == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", want)
	return got
}

func echoRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeEcho, func(ctx context.Context, jc *JobContext, payload json.RawMessage) (*Result, error) {
		msg := gjson.GetBytes(payload, "message").String()
		doc, _ := json.Marshal(map[string]string{"echoed": msg, "processed_by": jc.JobID})
		return &Result{ResultJSON: doc, ResultText: msg}, nil
	})
	return r
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, echoRegistry(), Options{})
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "acme", "teleport", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))

	_, err = f.engine.Submit(ctx, "acme", TypeEcho, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "message")

	_, err = f.engine.Submit(ctx, "acme corp", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))

	// An inline graph with a hostile node id must be refused before any
	// record is written.
	payload := json.RawMessage(`{"nodes":[{"id":"node; rm -rf /","name":"n","kind":"single"}],"edges":[]}`)
	_, err = f.engine.Submit(ctx, "acme", TypeWorkflow, payload)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))

	jobs, err := f.jobs.List(ctx, "acme", jobstore.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEchoRoundTrip(t *testing.T) {
	f := newFixture(t, echoRegistry(), Options{
		Workers:       2,
		Visibility:    2 * time.Second,
		JobDeadline:   5 * time.Second,
		ReconcileCron: "@every 1h",
	})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hello"}`))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	got := f.waitState(t, "acme", job.ID, jobstore.StateSucceeded)
	assert.Equal(t, "acme/jobs/"+job.ID+"/result.json", got.ResultPointer)
	assert.Empty(t, got.WorkerID)

	data, err := f.blobs.Get(context.Background(), got.ResultPointer)
	require.NoError(t, err)
	assert.Equal(t, "hello", gjson.GetBytes(data, "echoed").String())
}

func TestHandlerFailureMarksJobFailed(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return nil, errors.New("boom")
		},
	}
	f := newFixture(t, strategy, Options{Workers: 1, ReconcileCron: "@every 1h"})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindHandler), got.ErrorKind)
	assert.Contains(t, got.ErrorMessage, "boom")
	assert.Equal(t, 1, strategy.callCount())
}

func TestValidationFailureKindRecorded(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return nil, faults.Validation("payload field %q is required", "message")
		},
	}
	f := newFixture(t, strategy, Options{Workers: 1, ReconcileCron: "@every 1h"})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindValidation), got.ErrorKind)
}

func TestUnregisteredTypeFailsAtDispatch(t *testing.T) {
	// Submit knows the schema for workflow jobs, but this worker only
	// carries the echo handler.
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return &Result{}, nil
		},
	}
	f := newFixture(t, strategy, Options{Workers: 1, ReconcileCron: "@every 1h"})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeWorkflow, json.RawMessage(`{"workflow_id":"w1"}`))
	require.NoError(t, err)

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindValidation), got.ErrorKind)
	assert.Contains(t, got.ErrorMessage, "unregistered")
	assert.Equal(t, 0, strategy.callCount())
}

func TestDuplicateDeliveryOfTerminalJobIsDropped(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return &Result{}, nil
		},
	}
	f := newFixture(t, strategy, Options{
		Workers:       1,
		Visibility:    100 * time.Millisecond,
		ReconcileCron: "@every 1h",
	})
	ctx := context.Background()

	job, err := f.engine.Submit(ctx, "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	require.NoError(t, f.jobs.Cancel(ctx, job))

	stop := f.start(t)

	// The queued message targets a CANCELLED job; the loop must consume
	// it without executing anything.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.engine.metrics.QueueReceives) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	stop()

	// Had the message merely been leased, it would redeliver inside this
	// window.
	assert.Never(t, func() bool {
		rctx, rcancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer rcancel()
		msgs, _ := f.queue.Receive(rctx, 1, time.Second)
		return len(msgs) > 0
	}, 500*time.Millisecond, 60*time.Millisecond)

	assert.Equal(t, 0, strategy.callCount())
	got, err := f.jobs.Get(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCancelled, got.State)
}

func TestAbandonedRunningJobClosedOut(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return &Result{}, nil
		},
	}
	f := newFixture(t, strategy, Options{
		Workers:       1,
		Visibility:    100 * time.Millisecond,
		ReconcileCron: "@every 1h",
	})
	ctx := context.Background()

	job, err := f.engine.Submit(ctx, "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	// Another worker claimed the job and died without heartbeating.
	require.NoError(t, f.jobs.MarkRunning(ctx, job, "worker-dead"))
	time.Sleep(150 * time.Millisecond)

	stop := f.start(t)
	defer stop()

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindTimeout), got.ErrorKind)
	assert.Contains(t, got.ErrorMessage, "heartbeating")
	assert.Equal(t, 0, strategy.callCount())
}

func TestTransientExhaustionEndsInTimeout(t *testing.T) {
	// A handler that exhausts its backend retries leaves no terminal
	// write and no delete. The record sits RUNNING until redelivery
	// finds it quiet and closes it out.
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return nil, faults.Transient(nil, "store unavailable")
		},
	}
	f := newFixture(t, strategy, Options{
		Workers:        1,
		Visibility:     150 * time.Millisecond,
		HeartbeatEvery: time.Hour,
		ReconcileCron:  "@every 1h",
	})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindTimeout), got.ErrorKind)
	assert.Equal(t, 1, strategy.callCount())
}

func TestJobDeadlineTimesOut(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, strategy, Options{
		Workers:       1,
		JobDeadline:   100 * time.Millisecond,
		ReconcileCron: "@every 1h",
	})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	got := f.waitState(t, "acme", job.ID, jobstore.StateFailed)
	assert.Equal(t, string(faults.KindTimeout), got.ErrorKind)
}

func TestHeartbeatKeepsLongJobAlive(t *testing.T) {
	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			select {
			case <-time.After(400 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &Result{ResultText: "done"}, nil
		},
	}
	f := newFixture(t, strategy, Options{
		Workers:        1,
		Visibility:     200 * time.Millisecond,
		HeartbeatEvery: 50 * time.Millisecond,
		JobDeadline:    5 * time.Second,
		ReconcileCron:  "@every 1h",
	})
	stop := f.start(t)
	defer stop()

	job, err := f.engine.Submit(context.Background(), "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	f.waitState(t, "acme", job.ID, jobstore.StateSucceeded)
	assert.Equal(t, 1, strategy.callCount())
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.engine.metrics.Heartbeats), 2.0)
}

func TestReconcilerResendsLostJobs(t *testing.T) {
	f := newFixture(t, echoRegistry(), Options{
		ReconcileAfter: 10 * time.Millisecond,
		ReconcileCron:  "@every 1h",
	})
	ctx := context.Background()

	// A record written without its queue message, as when Send fails
	// right after Create.
	job, err := f.jobs.Create(ctx, "acme", TypeEcho, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	f.engine.reconcile(ctx)

	msgs, err := f.queue.Receive(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, job.ID, gjson.GetBytes(msgs[0].Body, "job_id").String())
	assert.Equal(t, "acme", gjson.GetBytes(msgs[0].Body, "tenant_id").String())

	// The bump on updated_at keeps the next sweep from re-sending it.
	f.engine.reconcile(ctx)
	rctx, rcancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer rcancel()
	again, _ := f.queue.Receive(rctx, 1, time.Second)
	assert.Empty(t, again)
}

func TestConcurrentClaimSingleWinnerOverRedis(t *testing.T) {
	// Four loops over a redis stream, every job delivered twice: the
	// QUEUED to RUNNING CAS must pick exactly one execution per job.
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	tl := &testLogger{t}
	q, err := queue.NewRedisQueue(context.Background(), rediscommon.NewClient(raw, tl), queue.RedisQueueOpts{
		Stream: "jobs",
		Group:  "dispatchers",
		Block:  50 * time.Millisecond,
		Logger: tl,
	})
	require.NoError(t, err)

	strategy := &stubStrategy{
		types: map[string]bool{TypeEcho: true},
		fn: func(ctx context.Context, jc *JobContext, job *jobstore.Job) (*Result, error) {
			return &Result{}, nil
		},
	}
	jobs := jobstore.New(records.NewMemoryStore(), tl)
	paths := workspace.NewManager(t.TempDir(), t.TempDir(), 7, tl)
	eng := NewEngine(q, jobs, blob.NewMemoryStore(), paths, strategy, telemetry.NewMetrics(), logger.New("error", "json"), Options{
		Workers:       4,
		ReconcileCron: "@every 1h",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	}()

	const n = 10
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job, err := eng.Submit(ctx, "acme", TypeEcho, json.RawMessage(fmt.Sprintf(`{"message":"m%d"}`, i)))
		require.NoError(t, err)
		ids = append(ids, job.ID)

		// Duplicate delivery of the same job reference.
		body, merr := json.Marshal(envelope{JobID: job.ID, TenantID: "acme"})
		require.NoError(t, merr)
		require.NoError(t, q.Send(ctx, body))
	}

	for _, id := range ids {
		var got *jobstore.Job
		require.Eventually(t, func() bool {
			job, gerr := jobs.Get(context.Background(), "acme", id)
			if gerr != nil {
				return false
			}
			got = job
			return job.State == jobstore.StateSucceeded
		}, 10*time.Second, 20*time.Millisecond)
		require.NotNil(t, got)
	}
	assert.Equal(t, n, strategy.callCount())
}
