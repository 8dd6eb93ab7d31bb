package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

func TestMemoryRolloutRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetRollout(ctx, "api-v2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := &RolloutRecord{
		Name:            "api-v2",
		Enabled:         true,
		Percentage:      5,
		EnabledTenants:  []string{"tenant-a"},
		DisabledTenants: []string{"tenant-b"},
		StageStartedAt:  time.Now(),
	}
	if err := s.PutRollout(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetRollout(ctx, "api-v2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Percentage != 5 || !got.Enabled {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned copy must not affect the stored record.
	got.EnabledTenants[0] = "mutated"
	again, _ := s.GetRollout(ctx, "api-v2")
	if again.EnabledTenants[0] != "tenant-a" {
		t.Error("store must return defensive copies")
	}
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()

	for i := 0; i < 3; i++ {
		err := s.AppendHistory(ctx, &HistoryEntry{
			Rollout:   "api-v2",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    ActionAdvance,
			ToStage:   stage.Canary,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := s.ListHistory(ctx, "api-v2", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Error("history must be ordered newest first")
		}
	}

	limited, _ := s.ListHistory(ctx, "api-v2", 2)
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d entries", len(limited))
	}
}

func TestMemoryOutcomesWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	outcomes := []health.CallOutcome{
		{Version: "new", Status: health.OutcomeSuccess, Timestamp: now.Add(-2 * time.Hour)},
		{Version: "new", Status: health.OutcomeError, Timestamp: now.Add(-10 * time.Minute)},
		{Version: "old", Status: health.OutcomeSuccess, Timestamp: now.Add(-5 * time.Minute)},
	}
	for _, o := range outcomes {
		if err := s.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent, err := s.QueryOutcomes(ctx, "new", time.Hour)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 outcome inside the window, got %d", len(recent))
	}
	if recent[0].Status != health.OutcomeError {
		t.Errorf("unexpected outcome: %+v", recent[0])
	}

	pruned, err := s.PruneOutcomes(ctx, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected to prune 1 outcome, got %d", pruned)
	}
}
