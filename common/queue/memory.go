package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

// MemoryQueue is an in-process queue with lease semantics, used by tests
// and single-node deployments.
type MemoryQueue struct {
	ready  chan *Message
	leased map[string]*lease
	mu     sync.Mutex
	log    Logger
	stop   chan struct{}
	once   sync.Once
}

type lease struct {
	msg       *Message
	expiresAt time.Time
}

// NewMemoryQueue creates an in-memory queue. A janitor goroutine returns
// expired leases to the ready channel until Close.
func NewMemoryQueue(log Logger) *MemoryQueue {
	q := &MemoryQueue{
		ready:  make(chan *Message, 1000), // Buffered channel
		leased: make(map[string]*lease),
		log:    log,
		stop:   make(chan struct{}),
	}
	go q.janitor()
	return q
}

// Send enqueues a message body
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	msg := &Message{
		ID:   uuid.New().String(),
		Body: append([]byte(nil), body...),
	}

	select {
	case q.ready <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("memory queue full")
		return faults.Transient(nil, "memory queue full")
	}
}

// Receive leases up to max messages, blocking briefly when none are ready
func (q *MemoryQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}

	var out []Message

	// Block for the first message, bounded by a one-second poll.
	select {
	case msg := <-q.ready:
		out = append(out, q.grant(msg, visibility))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, nil
	}

	// Drain whatever else is immediately available.
	for len(out) < max {
		select {
		case msg := <-q.ready:
			out = append(out, q.grant(msg, visibility))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *MemoryQueue) grant(msg *Message, visibility time.Duration) Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	receipt := uuid.New().String()
	leasedMsg := &Message{ID: msg.ID, Body: msg.Body, Receipt: receipt}
	q.leased[receipt] = &lease{
		msg:       leasedMsg,
		expiresAt: time.Now().Add(visibility),
	}
	return *leasedMsg
}

// Delete consumes a leased message
func (q *MemoryQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[receipt]; !ok {
		return faults.NotFound("lease %s not held", receipt)
	}
	delete(q.leased, receipt)
	return nil
}

// Extend renews the lease on a message
func (q *MemoryQueue) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leased[receipt]
	if !ok {
		return faults.NotFound("lease %s not held", receipt)
	}
	l.expiresAt = time.Now().Add(visibility)
	return nil
}

// Close stops the janitor
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.stop) })
	return nil
}

// Health reports whether the queue still accepts work
func (q *MemoryQueue) Health(ctx context.Context) error {
	select {
	case <-q.stop:
		return faults.Transient(nil, "memory queue closed")
	default:
		return nil
	}
}

// janitor returns expired leases to the ready channel
func (q *MemoryQueue) janitor() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

func (q *MemoryQueue) reapExpired() {
	q.mu.Lock()
	var expired []*Message
	now := time.Now()
	for receipt, l := range q.leased {
		if now.After(l.expiresAt) {
			expired = append(expired, &Message{ID: l.msg.ID, Body: l.msg.Body})
			delete(q.leased, receipt)
		}
	}
	q.mu.Unlock()

	for _, msg := range expired {
		select {
		case q.ready <- msg:
			q.log.Debug("lease expired, message requeued", "message_id", msg.ID)
		default:
			q.log.Warn("memory queue full while requeueing expired lease", "message_id", msg.ID)
		}
	}
}
