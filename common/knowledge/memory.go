package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory knowledge store for tests and the memory
// records driver deployment mode.
type MemoryStore struct {
	mu         sync.RWMutex
	heuristics map[string]*Heuristic
	failures   []Failure
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{heuristics: map[string]*Heuristic{}}
}

// GoldenRules returns golden heuristics, strongest first
func (s *MemoryStore) GoldenRules(ctx context.Context, tenantID string) ([]Heuristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(tenantID, true, 0), nil
}

// Heuristics returns non-golden heuristics by confidence, then history
func (s *MemoryStore) Heuristics(ctx context.Context, tenantID string, limit int) ([]Heuristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(tenantID, false, limit), nil
}

func (s *MemoryStore) collect(tenantID string, golden bool, limit int) []Heuristic {
	var out []Heuristic
	for _, h := range s.heuristics {
		if h.TenantID != tenantID || h.Golden != golden {
			continue
		}
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].ValidatedCount != out[j].ValidatedCount {
			return out[i].ValidatedCount > out[j].ValidatedCount
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// InsertHeuristic stores a new heuristic
func (s *MemoryStore) InsertHeuristic(ctx context.Context, h *Heuristic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.heuristics[h.ID] = &cp
	return nil
}

// RecentFailures returns failures since the cutoff, newest first
func (s *MemoryStore) RecentFailures(ctx context.Context, tenantID string, since time.Time, limit int) ([]Failure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Failure
	for _, f := range s.failures {
		if f.TenantID != tenantID || f.CreatedAt.Before(since) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertFailure stores a failure record
func (s *MemoryStore) InsertFailure(ctx context.Context, f *Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.Tags = append([]string(nil), f.Tags...)
	s.failures = append(s.failures, cp)
	return nil
}

// MarkValidated bumps counts and confidence and promotes across the
// golden bar
func (s *MemoryStore) MarkValidated(ctx context.Context, tenantID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		h, ok := s.heuristics[id]
		if !ok || h.TenantID != tenantID {
			continue
		}
		h.ValidatedCount++
		h.Confidence = min(1.0, h.Confidence+0.05)
		if !h.Golden && h.Confidence >= 0.9 && h.ValidatedCount >= 10 {
			h.Golden = true
		}
		h.UpdatedAt = now
	}
	return nil
}

// MarkViolated bumps violation counts and drops confidence
func (s *MemoryStore) MarkViolated(ctx context.Context, tenantID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		h, ok := s.heuristics[id]
		if !ok || h.TenantID != tenantID {
			continue
		}
		h.ViolatedCount++
		h.Confidence = max(0.0, h.Confidence-0.1)
		h.UpdatedAt = now
	}
	return nil
}
