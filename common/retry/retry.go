package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/anthive/orchestrator/common/faults"
)

// Policy bounds retries of transient backend failures
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy is the store/queue call policy: 3 attempts, exponential,
// full jitter.
var DefaultPolicy = Policy{
	Attempts: 3,
	Base:     100 * time.Millisecond,
	Max:      2 * time.Second,
}

// Do runs fn, retrying transient_backend failures under the policy. Any
// other error kind returns immediately. The last error is returned on
// exhaustion.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(i)):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return err
		}
	}
	return err
}

// Do runs fn under the default policy
func Do(ctx context.Context, fn func() error) error {
	return DefaultPolicy.Do(ctx, fn)
}

// backoff computes the sleep before attempt i (1-based) with full jitter
func (p Policy) backoff(i int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.Max
	if max <= 0 {
		max = 2 * time.Second
	}

	d := base << uint(i-1)
	if d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
