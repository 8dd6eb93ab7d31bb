package store

import (
	"context"
	"time"

	"github.com/GoCodeAlone/rollout/health"
)

// FlagStore persists rollout flag records keyed by rollout name.
type FlagStore interface {
	// GetRollout returns the record for the given name, or ErrNotFound when
	// no record has ever been written.
	GetRollout(ctx context.Context, name string) (*RolloutRecord, error)
	// PutRollout upserts the record.
	PutRollout(ctx context.Context, rec *RolloutRecord) error
}

// HistoryStore persists the append-only rollout audit history.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistory returns up to limit entries for the rollout, newest first.
	ListHistory(ctx context.Context, rollout string, limit int) ([]*HistoryEntry, error)
}

// OutcomeStore records call outcomes and serves them back as a
// health.MetricsSource.
type OutcomeStore interface {
	health.MetricsSource
	RecordOutcome(ctx context.Context, outcome health.CallOutcome) error
	// PruneOutcomes deletes outcomes older than the retention window.
	PruneOutcomes(ctx context.Context, olderThan time.Duration) (int, error)
}

// Store combines all persistence surfaces behind one backend.
type Store interface {
	FlagStore
	HistoryStore
	OutcomeStore
	Close() error
}
