package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
	rediscommon "github.com/anthive/orchestrator/common/redis"
)

// RedisQueue backs the queue primitive with a redis stream + consumer
// group. Visibility timeouts ride on the stream's pending-entries list:
// Receive first auto-claims entries idle past the visibility window, Extend
// re-claims (resetting the idle clock), Delete acks.
type RedisQueue struct {
	client   *rediscommon.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	log      Logger
}

// RedisQueueOpts configures a RedisQueue
type RedisQueueOpts struct {
	Stream string
	Group  string
	Block  time.Duration
	Logger Logger
}

// NewRedisQueue creates the consumer group (idempotent) and returns a
// queue bound to a unique consumer name.
func NewRedisQueue(ctx context.Context, client *rediscommon.Client, opts RedisQueueOpts) (*RedisQueue, error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, fmt.Errorf("stream and group are required")
	}
	block := opts.Block
	if block <= 0 {
		block = 5 * time.Second
	}

	if err := client.CreateStreamGroup(ctx, opts.Stream, opts.Group); err != nil {
		return nil, fmt.Errorf("create stream group: %w", err)
	}

	consumer := fmt.Sprintf("dispatcher_%s", uuid.New().String()[:8])
	opts.Logger.Info("redis queue ready",
		"stream", opts.Stream,
		"group", opts.Group,
		"consumer", consumer)

	return &RedisQueue{
		client:   client,
		stream:   opts.Stream,
		group:    opts.Group,
		consumer: consumer,
		block:    block,
		log:      opts.Logger,
	}, nil
}

// Send enqueues a message body
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.AddToStream(ctx, q.stream, map[string]interface{}{
		"body": string(body),
	})
	if err != nil {
		return faults.Transient(err, "enqueue to stream %s", q.stream)
	}
	return nil
}

// Receive leases up to max messages. Entries idle past the visibility
// window are claimed first so crashed consumers' work is redelivered.
func (q *RedisQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}

	claimed, err := q.client.ClaimExpiredMessages(ctx, q.stream, q.group, q.consumer, visibility, int64(max))
	if err != nil {
		return nil, faults.Transient(err, "claim expired messages")
	}
	if len(claimed) > 0 {
		out := make([]Message, 0, len(claimed))
		for _, m := range claimed {
			out = append(out, xMessageToMessage(m.ID, m.Values))
		}
		return out, nil
	}

	streams, err := q.client.ReadFromStreamGroup(ctx, q.group, q.consumer, q.stream, int64(max), q.block)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transient(err, "read from stream %s", q.stream)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, xMessageToMessage(m.ID, m.Values))
		}
	}
	return out, nil
}

// Delete consumes a leased message
func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	if err := q.client.AckStreamMessage(ctx, q.stream, q.group, receipt); err != nil {
		return faults.Transient(err, "ack message %s", receipt)
	}
	return nil
}

// Extend renews the lease by resetting the entry's idle clock
func (q *RedisQueue) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	if err := q.client.ExtendClaim(ctx, q.stream, q.group, q.consumer, receipt); err != nil {
		return faults.Transient(err, "extend claim on %s", receipt)
	}
	return nil
}

// Close is a no-op; the redis client is shared and closed by its owner
func (q *RedisQueue) Close() error {
	return nil
}

// Health reports backend reachability
func (q *RedisQueue) Health(ctx context.Context) error {
	return q.client.Health(ctx)
}

func xMessageToMessage(id string, values map[string]interface{}) Message {
	body, _ := values["body"].(string)
	return Message{
		ID:      id,
		Body:    []byte(body),
		Receipt: id,
	}
}
