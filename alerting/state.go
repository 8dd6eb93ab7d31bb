package alerting

import (
	"context"
	"sync"
	"time"
)

// WarningState tracks an unbroken run of warning-only health checks for a
// rollout. The run breaks when a check comes back clean or a rollback runs.
type WarningState struct {
	FirstWarningAt      time.Time `json:"firstWarningAt"`
	ConsecutiveWarnings int       `json:"consecutiveWarnings"`
	Escalated           bool      `json:"escalated"`
}

// StateStore persists the monitor's per-rollout bookkeeping: the current
// warning run and the time of the last rollback (for alert suppression).
// With the memory implementation the state is local to one process; use the
// Redis implementation when several instances watch the same rollout.
type StateStore interface {
	WarningState(ctx context.Context, rollout string) (WarningState, error)
	SetWarningState(ctx context.Context, rollout string, st WarningState) error
	ClearWarningState(ctx context.Context, rollout string) error

	LastRollbackAt(ctx context.Context, rollout string) (time.Time, bool, error)
	SetLastRollbackAt(ctx context.Context, rollout string, t time.Time) error
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu        sync.Mutex
	warnings  map[string]WarningState
	rollbacks map[string]time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		warnings:  make(map[string]WarningState),
		rollbacks: make(map[string]time.Time),
	}
}

func (s *MemoryStateStore) WarningState(_ context.Context, rollout string) (WarningState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings[rollout], nil
}

func (s *MemoryStateStore) SetWarningState(_ context.Context, rollout string, st WarningState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings[rollout] = st
	return nil
}

func (s *MemoryStateStore) ClearWarningState(_ context.Context, rollout string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warnings, rollout)
	return nil
}

func (s *MemoryStateStore) LastRollbackAt(_ context.Context, rollout string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rollbacks[rollout]
	return t, ok, nil
}

func (s *MemoryStateStore) SetLastRollbackAt(_ context.Context, rollout string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks[rollout] = t
	return nil
}
