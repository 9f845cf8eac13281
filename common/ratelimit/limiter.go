// Package ratelimit provides tenant-aware request limiting over redis.
// Counters are fixed windows maintained by a Lua script, so concurrent
// gateways share one atomic count per key.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/anthive/orchestrator/common/faults"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// RateLimiter counts requests in redis. One limiter serves every scope;
// scopes differ only by key.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	log    Logger
}

// NewRateLimiter creates a limiter with the embedded Lua script
func NewRateLimiter(redisClient *redis.Client, log Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckGlobal checks the service-wide limit
func (r *RateLimiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return r.check(ctx, "ratelimit:global", limit, windowSeconds)
}

// CheckTenant checks one tenant's flat request limit
func (r *RateLimiter) CheckTenant(ctx context.Context, tenantID string, limit int64) (*Result, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	return r.check(ctx, key, limit, windowSeconds)
}

// CheckTiered checks a tenant's limit for one submission tier. Tiers
// count separately so cheap jobs are not starved by heavy ones.
func (r *RateLimiter) CheckTiered(ctx context.Context, tenantID string, tier Tier) (*Result, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s:tier:%s", tenantID, tier)
	return r.check(ctx, key, LimitForTier(tier), windowSeconds)
}

func (r *RateLimiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		return nil, faults.Transient(err, "rate limit check on %s", key)
	}

	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, faults.Permanent(nil, "unexpected rate limit script result %T", raw)
	}

	res := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !res.Allowed {
		r.log.Warn("rate limit exceeded",
			"key", key,
			"current", res.CurrentCount,
			"limit", res.Limit,
			"retry_after", res.RetryAfterSeconds)
	}
	return res, nil
}

// Reset clears a counter, for tests and operators
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
