package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Validation("bad identifier %q", "a;b")
	assert.Equal(t, KindValidation, KindOf(err))

	wrapped := fmt.Errorf("submit failed: %w", err)
	assert.Equal(t, KindValidation, KindOf(wrapped))

	plain := errors.New("something broke")
	assert.Equal(t, KindHandler, KindOf(plain))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient(cause, "queue receive")

	require.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransientBackend, KindOf(err))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "transient_backend")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("state is %s, expected QUEUED", "RUNNING"))
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(err, KindValidation))
	assert.False(t, Retryable(err))
}

func TestNotRetryableByDefault(t *testing.T) {
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(Permanent(errors.New("bad schema"), "records table")))
}
