package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/queue"
	"github.com/anthive/orchestrator/common/retry"
	"github.com/anthive/orchestrator/common/telemetry"
	"github.com/anthive/orchestrator/common/validation"
	"github.com/anthive/orchestrator/common/workspace"
)

// reconcileBatch bounds how many stale jobs one sweep re-enqueues.
const reconcileBatch = 100

// envelope is the queue message body. The job record holds everything
// else.
type envelope struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}

// Options tunes the dispatch engine.
type Options struct {
	// Workers is the number of concurrent receive loops.
	Workers int
	// Visibility is the queue lease granted per receive.
	Visibility time.Duration
	// JobDeadline caps a single execution.
	JobDeadline time.Duration
	// HeartbeatEvery is the timer-driven heartbeat interval. Defaults to
	// a third of the visibility timeout.
	HeartbeatEvery time.Duration
	// ReconcileAfter is how long a QUEUED record may sit unreceived
	// before the reconciler re-enqueues it.
	ReconcileAfter time.Duration
	// ReconcileCron schedules the reconciler sweep.
	ReconcileCron string
}

func (o *Options) withDefaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.JobDeadline <= 0 {
		o.JobDeadline = 15 * time.Minute
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = o.Visibility / 3
	}
	if o.ReconcileAfter <= 0 {
		o.ReconcileAfter = 2 * time.Minute
	}
	if o.ReconcileCron == "" {
		o.ReconcileCron = "@every 1m"
	}
}

// Engine leases job messages, claims the corresponding records, and runs
// them on a Strategy. Delivery is at least once; the QUEUED→RUNNING CAS
// picks a single execution winner.
type Engine struct {
	queue    queue.Queue
	jobs     *jobstore.Store
	blobs    blob.Store
	paths    *workspace.Manager
	strategy Strategy
	metrics  *telemetry.Metrics
	log      *logger.Logger
	opts     Options
	sub      *Submitter
	workerID string
}

// NewEngine wires a dispatch engine.
func NewEngine(q queue.Queue, jobs *jobstore.Store, blobs blob.Store, paths *workspace.Manager, strategy Strategy, metrics *telemetry.Metrics, log *logger.Logger, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		queue:    q,
		jobs:     jobs,
		blobs:    blobs,
		paths:    paths,
		strategy: strategy,
		metrics:  metrics,
		log:      log,
		opts:     opts,
		sub:      NewSubmitter(q, jobs, log),
		workerID: "worker-" + uuid.NewString()[:8],
	}
}

// WorkerID returns the engine's claim identity.
func (e *Engine) WorkerID() string { return e.workerID }

// Submit validates and persists a job, then enqueues it.
func (e *Engine) Submit(ctx context.Context, tenantID, jobType string, payload json.RawMessage) (*jobstore.Job, error) {
	return e.sub.Submit(ctx, tenantID, jobType, payload)
}

// Run starts the worker loops and the reconciler cron and blocks until
// ctx is cancelled or a loop hits a fault that must stop the process.
func (e *Engine) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(e.opts.ReconcileCron, func() { e.reconcile(ctx) }); err != nil {
		return faults.Validation("bad reconcile cron spec %q: %v", e.opts.ReconcileCron, err)
	}
	c.Start()
	defer c.Stop()

	e.log.Info("dispatch engine starting",
		"worker_id", e.workerID,
		"workers", e.opts.Workers,
		"visibility", e.opts.Visibility.String(),
		"job_deadline", e.opts.JobDeadline.String())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error { return e.loop(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.log.Info("dispatch engine stopped", "worker_id", e.workerID)
	return err
}

// loop is one receive-claim-execute cycle, repeated until shutdown.
// Security and permanent backend faults propagate up and stop the
// process; everything else is logged and the loop moves on.
func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := e.queue.Receive(ctx, 1, e.opts.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		e.metrics.QueueReceives.Inc()

		for i := range msgs {
			if err := e.handle(ctx, msgs[i]); err != nil {
				if faults.Is(err, faults.KindSecurity) || faults.Is(err, faults.KindPermanentBackend) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Error("message handling failed", "message_id", msgs[i].ID, "error", err)
			}
		}
	}
}

// handle moves one delivery through the lifecycle. Returning nil without
// deleting the message leaves it to redeliver after the lease lapses.
func (e *Engine) handle(ctx context.Context, msg queue.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		e.log.Error("dropping malformed queue message", "message_id", msg.ID, "error", err)
		return e.deleteMessage(ctx, msg.Receipt)
	}
	if _, err := validation.Validate(env.JobID, validation.KindJob); err != nil {
		e.log.Error("dropping message with bad job id", "message_id", msg.ID, "error", err)
		return e.deleteMessage(ctx, msg.Receipt)
	}
	if _, err := validation.Validate(env.TenantID, validation.KindTenant); err != nil {
		e.log.Error("dropping message with bad tenant id", "message_id", msg.ID, "error", err)
		return e.deleteMessage(ctx, msg.Receipt)
	}

	log := e.log.WithTenant(env.TenantID).WithJobID(env.JobID)

	var job *jobstore.Job
	if err := retry.Do(ctx, func() error {
		var gerr error
		job, gerr = e.jobs.Get(ctx, env.TenantID, env.JobID)
		return gerr
	}); err != nil {
		if faults.Is(err, faults.KindNotFound) || faults.Is(err, faults.KindPermanentBackend) {
			log.Error("dropping undeliverable job message", "error", err)
			return e.deleteMessage(ctx, msg.Receipt)
		}
		log.Error("job fetch failed, leaving message for redelivery", "error", err)
		return nil
	}

	if !e.strategy.Registered(job.Type) {
		if err := retry.Do(ctx, func() error {
			return e.jobs.MarkFailed(ctx, job, faults.KindValidation, fmt.Sprintf("unregistered job type %q", job.Type))
		}); err != nil && !faults.Is(err, faults.KindConflict) {
			log.Error("failed to fail job with unregistered type", "type", job.Type, "error", err)
			return nil
		}
		e.metrics.JobsTotal.WithLabelValues(job.Type, string(jobstore.StateFailed)).Inc()
		log.Error("unregistered job type", "type", job.Type)
		return e.deleteMessage(ctx, msg.Receipt)
	}

	if job.State.Terminal() {
		log.Debug("dropping duplicate delivery of terminal job", "state", string(job.State))
		return e.deleteMessage(ctx, msg.Receipt)
	}

	// A RUNNING job on redelivery belongs to another worker. If its
	// record went quiet for a full lease window the owner is gone and
	// the job is closed out as a timeout. A fresh record means the owner
	// is still heartbeating; the message is left alone until the job
	// settles one way or the other.
	if job.State == jobstore.StateRunning {
		if time.Since(job.UpdatedAt) <= e.opts.Visibility {
			log.Debug("job already claimed, leaving message until it settles", "owner", job.WorkerID)
			return nil
		}
		log.Warn("claimed job went quiet, failing it", "owner", job.WorkerID)
		if err := retry.Do(ctx, func() error {
			return e.jobs.MarkFailed(ctx, job, faults.KindTimeout, "worker stopped heartbeating")
		}); err != nil && !faults.Is(err, faults.KindConflict) {
			log.Error("failed to close out quiet job", "error", err)
			return nil
		}
		e.metrics.JobsTotal.WithLabelValues(job.Type, string(jobstore.StateFailed)).Inc()
		return e.deleteMessage(ctx, msg.Receipt)
	}

	if err := retry.Do(ctx, func() error {
		return e.jobs.MarkRunning(ctx, job, e.workerID)
	}); err != nil {
		if faults.Is(err, faults.KindConflict) {
			e.metrics.CASConflicts.Inc()
			log.Debug("lost claim race", "state", string(job.State))
			return e.deleteMessage(ctx, msg.Receipt)
		}
		log.Error("claim failed, leaving message for redelivery", "error", err)
		return nil
	}

	log.Info("job claimed", "type", job.Type, "worker_id", e.workerID)
	start := time.Now()
	res, err := e.execute(ctx, job, msg)
	if err != nil {
		return e.finishFailure(ctx, job, msg, err, time.Since(start), log)
	}
	return e.finishSuccess(ctx, job, msg, res, time.Since(start), log)
}

// execute runs the claimed job on the strategy under the job deadline,
// with timer-driven heartbeats keeping the lease and the record fresh.
func (e *Engine) execute(ctx context.Context, job *jobstore.Job, msg queue.Message) (*Result, error) {
	dir, err := e.paths.JobDir(job.TenantID, job.ID)
	if err != nil {
		return nil, err
	}
	prefix, err := e.paths.ArtifactPrefix(job.TenantID, job.ID)
	if err != nil {
		return nil, err
	}

	jc := &JobContext{
		JobID:          job.ID,
		TenantID:       job.TenantID,
		WorkspaceDir:   dir,
		ArtifactPrefix: prefix,
	}
	jc.Heartbeat = func(hctx context.Context) error {
		if err := e.queue.Extend(hctx, msg.Receipt, e.opts.Visibility); err != nil {
			return err
		}
		if err := e.jobs.Touch(hctx, job); err != nil {
			return err
		}
		e.metrics.Heartbeats.Inc()
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.JobDeadline)
	defer cancel()

	// Heartbeats rewrite the job record in place; the strategy reads a
	// snapshot.
	snapshot := *job

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(e.opts.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := jc.Heartbeat(runCtx); err != nil {
					e.log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	res, err := e.strategy.Execute(runCtx, jc, &snapshot)
	close(stop)
	<-done

	if err == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = runCtx.Err()
	}
	return res, err
}

// finishSuccess persists the result blob, moves the job to SUCCEEDED and
// consumes the message.
func (e *Engine) finishSuccess(ctx context.Context, job *jobstore.Job, msg queue.Message, res *Result, elapsed time.Duration, log *logger.Logger) error {
	var pointer string
	if res != nil && len(res.ResultJSON) > 0 {
		prefix, err := e.paths.ArtifactPrefix(job.TenantID, job.ID)
		if err != nil {
			return e.finishFailure(ctx, job, msg, err, elapsed, log)
		}
		key := prefix + "/result.json"
		if err := retry.Do(ctx, func() error {
			return e.blobs.Put(ctx, key, res.ResultJSON, "application/json")
		}); err != nil {
			log.Error("result blob write failed, leaving job for redelivery", "error", err)
			return nil
		}
		pointer = key
	}

	if err := retry.Do(ctx, func() error {
		return e.jobs.MarkSucceeded(ctx, job, pointer)
	}); err != nil {
		if faults.Is(err, faults.KindConflict) {
			log.Warn("job closed elsewhere before success write", "state", string(job.State))
		} else {
			log.Error("success write failed, leaving job for redelivery", "error", err)
			return nil
		}
	}

	e.metrics.JobsTotal.WithLabelValues(job.Type, string(jobstore.StateSucceeded)).Inc()
	e.metrics.DispatchSeconds.WithLabelValues(job.Type).Observe(elapsed.Seconds())
	log.Info("job succeeded", "type", job.Type, "elapsed", elapsed.Round(time.Millisecond).String(), "result", pointer)
	return e.deleteMessage(ctx, msg.Receipt)
}

// finishFailure classifies the error and closes the job out. Transient
// backend exhaustion leaves both the record and the message untouched so
// the lease lapses and delivery repeats.
func (e *Engine) finishFailure(ctx context.Context, job *jobstore.Job, msg queue.Message, execErr error, elapsed time.Duration, log *logger.Logger) error {
	if errors.Is(execErr, context.Canceled) {
		log.Warn("execution interrupted, leaving job for redelivery")
		return nil
	}
	kind := classify(execErr)
	if kind == faults.KindTransientBackend {
		log.Warn("transient backend exhaustion, leaving job for redelivery", "error", execErr)
		return nil
	}

	if err := retry.Do(ctx, func() error {
		return e.jobs.MarkFailed(ctx, job, kind, execErr.Error())
	}); err != nil && !faults.Is(err, faults.KindConflict) {
		log.Error("failure write failed, leaving job for redelivery", "error", err)
		return nil
	}

	e.metrics.JobsTotal.WithLabelValues(job.Type, string(jobstore.StateFailed)).Inc()
	e.metrics.DispatchSeconds.WithLabelValues(job.Type).Observe(elapsed.Seconds())
	log.Error("job failed", "type", job.Type, "kind", string(kind), "error", execErr)

	if err := e.deleteMessage(ctx, msg.Receipt); err != nil {
		return err
	}
	if kind == faults.KindSecurity || kind == faults.KindPermanentBackend {
		return execErr
	}
	return nil
}

// classify maps an execution error to the failure kind recorded on the
// job.
func classify(err error) faults.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.KindTimeout
	}
	switch k := faults.KindOf(err); k {
	case faults.KindValidation, faults.KindTimeout, faults.KindTransientBackend,
		faults.KindPermanentBackend, faults.KindSecurity:
		return k
	default:
		return faults.KindHandler
	}
}

// deleteMessage consumes a delivery. Failures are logged, not propagated;
// a missed delete surfaces as a duplicate delivery later.
func (e *Engine) deleteMessage(ctx context.Context, receipt string) error {
	err := retry.Do(ctx, func() error { return e.queue.Delete(ctx, receipt) })
	if err != nil && !faults.Is(err, faults.KindNotFound) {
		e.log.Warn("message delete failed, expect a duplicate delivery", "error", err)
	}
	return nil
}

// reconcile re-enqueues QUEUED records whose message was lost, oldest
// first.
func (e *Engine) reconcile(ctx context.Context) {
	cutoff := time.Now().Add(-e.opts.ReconcileAfter)

	var stale []*jobstore.Job
	if err := retry.Do(ctx, func() error {
		var serr error
		stale, serr = e.jobs.StaleQueued(ctx, cutoff, reconcileBatch)
		return serr
	}); err != nil {
		e.log.Error("reconcile scan failed", "error", err)
		return
	}

	for _, job := range stale {
		body, err := json.Marshal(envelope{JobID: job.ID, TenantID: job.TenantID})
		if err != nil {
			continue
		}
		if err := retry.Do(ctx, func() error { return e.queue.Send(ctx, body) }); err != nil {
			e.log.Error("reconcile enqueue failed", "job_id", job.ID, "tenant_id", job.TenantID, "error", err)
			continue
		}
		if err := e.jobs.Requeued(ctx, job); err != nil && !faults.Is(err, faults.KindConflict) {
			e.log.Warn("requeue bump failed", "job_id", job.ID, "error", err)
		}
		e.log.Info("re-enqueued stale job",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"queued_for", time.Since(job.CreatedAt).Round(time.Second).String())
	}
}

// Submitter is the ingress half of the engine. The gateway carries one
// without executor dependencies.
type Submitter struct {
	queue queue.Queue
	jobs  *jobstore.Store
	log   *logger.Logger
}

// NewSubmitter creates a submit-only dispatch front.
func NewSubmitter(q queue.Queue, jobs *jobstore.Store, log *logger.Logger) *Submitter {
	return &Submitter{queue: q, jobs: jobs, log: log}
}

// Submit validates the submission, writes the QUEUED record, then
// enqueues the job reference. The record is authoritative: when the
// enqueue fails the job is returned anyway and the reconciler re-sends
// it after the grace period.
func (s *Submitter) Submit(ctx context.Context, tenantID, jobType string, payload json.RawMessage) (*jobstore.Job, error) {
	if _, err := validation.Validate(tenantID, validation.KindTenant); err != nil {
		return nil, err
	}
	if err := ValidatePayload(jobType, payload); err != nil {
		return nil, err
	}

	var job *jobstore.Job
	if err := retry.Do(ctx, func() error {
		var cerr error
		job, cerr = s.jobs.Create(ctx, tenantID, jobType, payload)
		return cerr
	}); err != nil {
		return nil, err
	}

	body, err := json.Marshal(envelope{JobID: job.ID, TenantID: job.TenantID})
	if err != nil {
		return nil, faults.Permanent(err, "failed to marshal job envelope")
	}
	if err := retry.Do(ctx, func() error { return s.queue.Send(ctx, body) }); err != nil {
		s.log.Error("enqueue failed after write, reconciler will re-send",
			"job_id", job.ID, "tenant_id", tenantID, "error", err)
		return job, nil
	}

	s.log.Info("job submitted", "job_id", job.ID, "tenant_id", tenantID, "type", jobType)
	return job, nil
}

// Cancel moves a QUEUED job to CANCELLED.
func (s *Submitter) Cancel(ctx context.Context, tenantID, jobID string) (*jobstore.Job, error) {
	job, err := s.jobs.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Cancel(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job cancelled", "job_id", jobID, "tenant_id", tenantID)
	return job, nil
}
