package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/anthive/orchestrator/common/cache"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/validation"
)

// Default is the tenant all requests map to when authentication is
// disabled.
const Default = "default"

// Resolver maps an inbound request credential onto a tenant id.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// StaticResolver resolves from a fixed credential to tenant table. The
// table comes from configuration; tenant ids are validated up front so
// a bad table fails at startup, not per request.
type StaticResolver struct {
	keys map[string]string
}

// NewStaticResolver builds a resolver over a credential->tenant table
func NewStaticResolver(keys map[string]string) (*StaticResolver, error) {
	for cred, tenantID := range keys {
		if cred == "" {
			return nil, faults.Validation("tenant key table contains an empty credential")
		}
		if _, err := validation.Validate(tenantID, validation.KindTenant); err != nil {
			return nil, err
		}
	}
	return &StaticResolver{keys: keys}, nil
}

// Resolve returns the tenant owning the credential, not_found otherwise
func (r *StaticResolver) Resolve(ctx context.Context, credential string) (string, error) {
	tenantID, ok := r.keys[credential]
	if !ok {
		return "", faults.NotFound("unknown credential")
	}
	return tenantID, nil
}

// CachingResolver memoizes successful resolutions. Credentials are
// hashed before they become cache keys so raw secrets never reach the
// cache backend. Cache failures fall through to the inner resolver.
type CachingResolver struct {
	inner Resolver
	cache cache.Cache
	ttl   time.Duration
	log   Logger
}

// NewCachingResolver wraps a resolver with a TTL cache
func NewCachingResolver(inner Resolver, c cache.Cache, ttl time.Duration, log Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingResolver{inner: inner, cache: c, ttl: ttl, log: log}
}

// Resolve returns the tenant for the credential, consulting the cache
// first
func (r *CachingResolver) Resolve(ctx context.Context, credential string) (string, error) {
	key := credentialKey(credential)
	if val, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return string(val), nil
	} else if err != nil {
		r.log.Warn("tenant cache read failed, resolving directly", "error", err)
	}

	tenantID, err := r.inner.Resolve(ctx, credential)
	if err != nil {
		return "", err
	}

	if err := r.cache.Set(ctx, key, []byte(tenantID), r.ttl); err != nil {
		r.log.Warn("tenant cache write failed", "error", err)
	}
	return tenantID, nil
}

func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "tenant:" + hex.EncodeToString(sum[:])
}
