package archive

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return nil
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionRef string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	var out []*Record
	for _, rec := range s.records {
		if rec.SessionRef != sessionRef || !o.cursor.Follows(rec.CreatedAt, rec.ID) {
			continue
		}
		cp := *rec
		cp.Data = nil
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
