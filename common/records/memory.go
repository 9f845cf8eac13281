package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anthive/orchestrator/common/faults"
)

// MemoryStore keeps records in process memory. Used by tests and by
// single-node deployments that do not need durability.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, partition, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.partitions[partition]
	if !ok {
		part = make(map[string]*Record)
		s.partitions[partition] = part
	}
	if _, exists := part[key]; exists {
		return faults.Conflict("record %s/%s already exists", partition, key)
	}
	now := time.Now().UTC()
	part[key] = &Record{
		Partition: partition,
		Key:       key,
		Doc:       append([]byte(nil), doc...),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, partition, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.partitions[partition][key]
	if !ok {
		return nil, faults.NotFound("record %s/%s not found", partition, key)
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Update(ctx context.Context, partition, key string, doc []byte, expectedRevision int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.partitions[partition][key]
	if !ok {
		return 0, faults.NotFound("record %s/%s not found", partition, key)
	}
	if rec.Revision != expectedRevision {
		return 0, faults.Conflict("record %s/%s at revision %d, expected %d", partition, key, rec.Revision, expectedRevision)
	}
	rec.Doc = append([]byte(nil), doc...)
	rec.Revision++
	now := time.Now().UTC()
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Microsecond)
	}
	rec.UpdatedAt = now
	return rec.Revision, nil
}

func (s *MemoryStore) List(ctx context.Context, partition string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part := s.partitions[partition]
	out := make([]*Record, 0, len(part))
	for _, rec := range part {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Partitions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Doc = append([]byte(nil), rec.Doc...)
	return &cp
}
