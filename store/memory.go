package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/rollout/health"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	rollouts map[string]*RolloutRecord
	history  map[string][]*HistoryEntry
	outcomes []health.CallOutcome
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollouts: make(map[string]*RolloutRecord),
		history:  make(map[string][]*HistoryEntry),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock (for testing).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetRollout(_ context.Context, name string) (*RolloutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rollouts[name]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) PutRollout(_ context.Context, rec *RolloutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec.Clone()
	stored.UpdatedAt = s.now()
	s.rollouts[rec.Name] = stored
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.history[e.Rollout] = append(s.history[e.Rollout], &e)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, rollout string, limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[rollout]
	out := make([]*HistoryEntry, len(entries))
	for i, e := range entries {
		copied := *e
		out[i] = &copied
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, outcome health.CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = s.now()
	}
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *MemoryStore) QueryOutcomes(_ context.Context, version string, window time.Duration) ([]health.CallOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-window)
	var out []health.CallOutcome
	for _, o := range s.outcomes {
		if o.Version == version && !o.Timestamp.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneOutcomes(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	kept := s.outcomes[:0]
	pruned := 0
	for _, o := range s.outcomes {
		if o.Timestamp.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, o)
	}
	s.outcomes = kept
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
