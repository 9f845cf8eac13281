package trail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/retry"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultMaxBatch      = 64

	// maxBuffered bounds requeued trails after a failed flush; older
	// entries are dropped beyond this.
	maxBuffered = 4096
)

// Ledger is the append side of the trail store. Add buffers; a timer
// (or a full batch) flushes the buffer as one committed batch. Trails
// are never updated after the flush.
type Ledger struct {
	store    Store
	interval time.Duration
	maxBatch int
	log      Logger

	mu      sync.Mutex
	pending []Trail
	kick    chan struct{}
}

// NewLedger creates a batching trail writer. Run must be started for
// buffered trails to reach the store.
func NewLedger(store Store, interval time.Duration, maxBatch int, log Logger) *Ledger {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Ledger{
		store:    store,
		interval: interval,
		maxBatch: maxBatch,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// Add validates and buffers one trail. Missing id/created_at are filled
// in. The write reaches the store on the next flush.
func (l *Ledger) Add(t Trail) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	l.pending = append(l.pending, t)
	full := len(l.pending) >= l.maxBatch
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on the interval until ctx is cancelled, then drains the
// buffer with a short grace timeout.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Flush(drain); err != nil {
				l.log.Error("trail ledger drain failed", "error", err)
			}
			cancel()
			return
		case <-l.kick:
			l.flushLogged(ctx)
		case <-ticker.C:
			l.flushLogged(ctx)
		}
	}
}

// Flush writes everything buffered. On failure the batch is requeued
// (bounded) for the next flush.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := retry.Do(ctx, func() error {
		return l.store.Insert(ctx, batch)
	})
	if err == nil {
		return nil
	}

	l.mu.Lock()
	l.pending = append(batch, l.pending...)
	if over := len(l.pending) - maxBuffered; over > 0 {
		l.pending = l.pending[over:]
		l.log.Error("trail buffer overflow, oldest trails dropped", "dropped", over)
	}
	l.mu.Unlock()
	return err
}

func (l *Ledger) flushLogged(ctx context.Context) {
	if err := l.Flush(ctx); err != nil {
		l.log.Warn("trail flush failed, batch requeued", "error", err)
	}
}

// Reader answers trail queries with read-time decay applied.
type Reader struct {
	store    Store
	halfLife time.Duration
	log      Logger
}

// NewReader creates a reader over the store. halfLife <= 0 uses the
// 7 day default.
func NewReader(store Store, halfLife time.Duration, log Logger) *Reader {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Reader{store: store, halfLife: halfLife, log: log}
}

// Search returns matching trails ordered by decayed strength
func (r *Reader) Search(ctx context.Context, tenantID string, q Query) ([]Scored, error) {
	trails, err := r.store.Query(ctx, tenantID, q)
	if err != nil {
		return nil, err
	}
	return Score(trails, time.Now().UTC(), r.halfLife), nil
}

// HotSpots returns the tenant's top-n locations by summed decayed
// strength over the window.
func (r *Reader) HotSpots(ctx context.Context, tenantID string, window time.Duration, n int) ([]HotSpot, error) {
	now := time.Now().UTC()
	trails, err := r.store.Query(ctx, tenantID, Query{Since: now.Add(-window)})
	if err != nil {
		return nil, err
	}
	return AggregateHotSpots(trails, now, r.halfLife, n), nil
}

// Compact deletes expired trails. Scheduled as a maintenance cron.
func (r *Reader) Compact(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("compacted expired trails", "deleted", n)
	}
	return n, nil
}
