package queue

import (
	"context"
	"time"
)

// Message is a leased queue entry. The receipt is the lease handle:
// Delete consumes it, Extend renews it. A message whose lease lapses
// without Delete becomes receivable again (at-least-once delivery).
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// Queue is the enqueue/lease primitive the dispatch engine runs on.
// Implementations: redis streams, SQS, in-memory.
type Queue interface {
	// Send enqueues a message body.
	Send(ctx context.Context, body []byte) error

	// Receive returns up to max messages, each leased for visibility.
	// It long-polls up to an implementation-bounded interval and returns
	// an empty slice on timeout.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)

	// Delete consumes a leased message.
	Delete(ctx context.Context, receipt string) error

	// Extend renews the lease on a message (visibility heartbeat).
	Extend(ctx context.Context, receipt string, visibility time.Duration) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
