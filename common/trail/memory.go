package trail

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trail store for tests and the memory
// records driver deployment mode.
type MemoryStore struct {
	mu     sync.RWMutex
	trails []Trail
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends the batch
func (s *MemoryStore) Insert(ctx context.Context, trails []Trail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trails {
		t.Tags = append([]string(nil), t.Tags...)
		s.trails = append(s.trails, t)
	}
	return nil
}

// Query returns live trails for the tenant, newest first
func (s *MemoryStore) Query(ctx context.Context, tenantID string, q Query) ([]Trail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trail
	for _, t := range s.trails {
		if t.TenantID != tenantID {
			continue
		}
		if t.CreatedAt.Before(q.Since) {
			continue
		}
		if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			continue
		}
		if q.Location != "" && t.Location != q.Location {
			continue
		}
		if q.Scent != "" && t.Scent != q.Scent {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteExpired drops trails past their expires_at
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.trails[:0]
	var dropped int64
	for _, t := range s.trails {
		if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	s.trails = kept
	return dropped, nil
}
