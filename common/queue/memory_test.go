package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestMemoryQueueSendReceiveDelete(t *testing.T) {
	q := NewMemoryQueue(&testLogger{t})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte(`{"job_id":"j1"}`)))

	msgs, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"job_id":"j1"}`, string(msgs[0].Body))
	require.NotEmpty(t, msgs[0].Receipt)

	require.NoError(t, q.Delete(ctx, msgs[0].Receipt))

	// Nothing left to receive.
	again, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	q := NewMemoryQueue(&testLogger{t})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte("work")))

	msgs, err := q.Receive(ctx, 1, 80*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	first := msgs[0]

	// Do not delete; wait for the lease to lapse and the janitor to run.
	deadline := time.Now().Add(2 * time.Second)
	var redelivered []Message
	for time.Now().Before(deadline) {
		redelivered, err = q.Receive(ctx, 1, time.Minute)
		require.NoError(t, err)
		if len(redelivered) > 0 {
			break
		}
	}

	require.Len(t, redelivered, 1)
	assert.Equal(t, first.ID, redelivered[0].ID)
	assert.Equal(t, "work", string(redelivered[0].Body))
	assert.NotEqual(t, first.Receipt, redelivered[0].Receipt)
}

func TestMemoryQueueExtendKeepsLease(t *testing.T) {
	q := NewMemoryQueue(&testLogger{t})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, []byte("long job")))

	msgs, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Heartbeat a few times past the original lease window.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, q.Extend(ctx, msgs[0].Receipt, 100*time.Millisecond))
	}

	// The message must not have been redelivered.
	again, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Delete(ctx, msgs[0].Receipt))
}

func TestMemoryQueueDeleteUnknownReceipt(t *testing.T) {
	q := NewMemoryQueue(&testLogger{t})
	defer q.Close()

	err := q.Delete(context.Background(), "no-such-receipt")
	assert.Error(t, err)
}

func TestMemoryQueueReceiveBatch(t *testing.T) {
	q := NewMemoryQueue(&testLogger{t})
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Send(ctx, []byte{byte('a' + i)}))
	}

	msgs, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
