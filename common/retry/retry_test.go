package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
)

func TestRetriesTransientUntilSuccess(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return faults.Transient(errors.New("flaky"), "put record")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestStopsOnNonTransient(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return faults.Validation("bad input")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestExhaustionReturnsLastError(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return faults.Transient(errors.New("down"), "enqueue")
	})

	assert.Equal(t, 3, calls)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
}

func TestHonorsContextCancellation(t *testing.T) {
	p := Policy{Attempts: 5, Base: 50 * time.Millisecond, Max: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error {
		calls++
		return faults.Transient(errors.New("down"), "receive")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls, 1)
}
