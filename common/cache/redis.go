package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthive/orchestrator/common/faults"
)

// RedisCache backs Cache with redis so cached entries survive service
// restarts and are shared across replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	log    Logger
}

// NewRedisCache creates a redis-backed cache. All keys are namespaced
// under prefix. The redis client is shared and owned by the caller.
func NewRedisCache(client *redis.Client, prefix string, log Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, log: log}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.Transient(err, "cache get %s", key)
	}
	return val, true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return faults.Transient(err, "cache set %s", key)
	}
	return nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return faults.Transient(err, "cache delete %s", key)
	}
	return nil
}

// Close is a no-op; the redis client is shared and closed elsewhere
func (c *RedisCache) Close() error {
	return nil
}
