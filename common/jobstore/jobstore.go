package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/records"
)

// State is a job lifecycle state. Names are stable and appear verbatim
// in stored records and HTTP bodies.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether s admits no further transitions
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed},
}

func legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Job is one unit of work owned by a tenant. The zero value is not
// usable; jobs come from Create or Get so they carry a records revision
// for CAS writes.
type Job struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         State           `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ResultPointer string          `json:"result_pointer,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`

	revision int64
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State State
	Type  string
}

const partitionPrefix = "jobs/"

// Partition returns the records partition holding a tenant's jobs
func Partition(tenantID string) string {
	return partitionPrefix + tenantID
}

// Store persists jobs, one records partition per tenant, and serializes
// every state transition through revision CAS: concurrent writers see
// exactly one winner per transition.
type Store struct {
	records records.Store
	log     Logger
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// New creates a job store over a records backend
func New(rec records.Store, log Logger) *Store {
	return &Store{records: rec, log: log}
}

// Create writes a new QUEUED job record
func (s *Store) Create(ctx context.Context, tenantID, jobType string, payload json.RawMessage) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        "job-" + uuid.NewString(),
		TenantID:  tenantID,
		Type:      jobType,
		Payload:   payload,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		revision:  1,
	}

	doc, err := json.Marshal(job)
	if err != nil {
		return nil, faults.Permanent(err, "failed to marshal job %s", job.ID)
	}
	if err := s.records.Put(ctx, Partition(tenantID), job.ID, doc); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	s.log.Info("job created", "job_id", job.ID, "tenant_id", tenantID, "type", jobType)
	return job, nil
}

// Get loads a job scoped to its tenant
func (s *Store) Get(ctx context.Context, tenantID, jobID string) (*Job, error) {
	rec, err := s.records.Get(ctx, Partition(tenantID), jobID)
	if err != nil {
		return nil, err
	}
	return decode(rec)
}

// List returns the tenant's jobs matching f, most recently updated
// first. The scan window is bounded, so very old jobs fall off the page
// before very active tenants run out of limit.
func (s *Store) List(ctx context.Context, tenantID string, f Filter, limit int) ([]*Job, error) {
	if limit < 1 {
		limit = 50
	}
	window := limit
	if f.State != "" || f.Type != "" {
		window = 1000
	}

	recs, err := s.records.List(ctx, Partition(tenantID), window)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, limit)
	for _, rec := range recs {
		job, err := decode(rec)
		if err != nil {
			s.log.Error("skipping corrupt job record", "partition", rec.Partition, "key", rec.Key, "error", err)
			continue
		}
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

// MarkRunning claims a QUEUED job for a worker. A conflict means
// another dispatcher won the claim or the job already left QUEUED;
// callers drop the message and move on.
func (s *Store) MarkRunning(ctx context.Context, job *Job, workerID string) error {
	return s.transition(ctx, job, StateRunning, func(j *Job) {
		j.WorkerID = workerID
	})
}

// MarkSucceeded finishes a RUNNING job with a result pointer
func (s *Store) MarkSucceeded(ctx context.Context, job *Job, resultPointer string) error {
	return s.transition(ctx, job, StateSucceeded, func(j *Job) {
		j.ResultPointer = resultPointer
		j.WorkerID = ""
	})
}

// MarkFailed finishes a RUNNING job with a stable error kind and a
// human-readable message
func (s *Store) MarkFailed(ctx context.Context, job *Job, kind faults.Kind, msg string) error {
	return s.transition(ctx, job, StateFailed, func(j *Job) {
		j.ErrorKind = string(kind)
		j.ErrorMessage = msg
		j.WorkerID = ""
	})
}

// Cancel moves a QUEUED job to CANCELLED. Jobs already claimed by a
// worker cannot be cancelled here; the owning executor's deadline is
// the only thing that stops them.
func (s *Store) Cancel(ctx context.Context, job *Job) error {
	return s.transition(ctx, job, StateCancelled, nil)
}

// Touch advances updated_at while RUNNING. This is the record half of
// the visibility heartbeat; the queue lease is the other half.
func (s *Store) Touch(ctx context.Context, job *Job) error {
	if job.State != StateRunning {
		return faults.Conflict("job %s is %s, not RUNNING", job.ID, job.State)
	}
	next := *job
	bumpUpdated(&next)
	return s.casWrite(ctx, job, next)
}

// Requeued advances updated_at on a QUEUED job after the reconciler
// re-enqueues it, so the same job is not swept again next cycle.
func (s *Store) Requeued(ctx context.Context, job *Job) error {
	if job.State != StateQueued {
		return faults.Conflict("job %s is %s, not QUEUED", job.ID, job.State)
	}
	next := *job
	bumpUpdated(&next)
	return s.casWrite(ctx, job, next)
}

// StaleQueued returns QUEUED jobs not updated since cutoff across all
// tenants, oldest first. The dispatch reconciler re-enqueues these.
func (s *Store) StaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	parts, err := s.records.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var stale []*Job
	for _, p := range parts {
		if !strings.HasPrefix(p, partitionPrefix) {
			continue
		}
		recs, err := s.records.List(ctx, p, 1000)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			job, err := decode(rec)
			if err != nil {
				s.log.Error("skipping corrupt job record", "partition", rec.Partition, "key", rec.Key, "error", err)
				continue
			}
			if job.State == StateQueued && job.UpdatedAt.Before(cutoff) {
				stale = append(stale, job)
			}
		}
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// transition applies one state-machine arrow under CAS. On success job
// is updated in place. A duplicate terminal write reports success
// without writing.
func (s *Store) transition(ctx context.Context, job *Job, to State, mutate func(*Job)) error {
	if !legal(job.State, to) {
		if job.State.Terminal() && to.Terminal() {
			return nil
		}
		return faults.Conflict("job %s cannot move %s -> %s", job.ID, job.State, to)
	}

	next := *job
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	bumpUpdated(&next)

	if err := s.casWrite(ctx, job, next); err != nil {
		if faults.Is(err, faults.KindConflict) && to.Terminal() {
			// lost the race; if the winner already made the job terminal
			// this write is the tolerated duplicate
			cur, gerr := s.Get(ctx, job.TenantID, job.ID)
			if gerr == nil && cur.State.Terminal() {
				*job = *cur
				return nil
			}
		}
		return err
	}

	s.log.Debug("job transition", "job_id", job.ID, "tenant_id", job.TenantID, "to", to)
	return nil
}

func (s *Store) casWrite(ctx context.Context, job *Job, next Job) error {
	doc, err := json.Marshal(&next)
	if err != nil {
		return faults.Permanent(err, "failed to marshal job %s", job.ID)
	}
	rev, err := s.records.Update(ctx, Partition(job.TenantID), job.ID, doc, job.revision)
	if err != nil {
		return err
	}
	next.revision = rev
	*job = next
	return nil
}

func bumpUpdated(j *Job) {
	now := time.Now().UTC()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Microsecond)
	}
	j.UpdatedAt = now
}

func decode(rec *records.Record) (*Job, error) {
	var job Job
	if err := json.Unmarshal(rec.Doc, &job); err != nil {
		return nil, faults.Permanent(err, "corrupt job record %s/%s", rec.Partition, rec.Key)
	}
	job.revision = rec.Revision
	return &job, nil
}
