package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
	MinConns int32  `yaml:"min_conns" json:"min_conns"`
}

// PGStore is a Store backed by PostgreSQL, for multi-instance deployments.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to PostgreSQL, verifies the connection, and ensures the
// schema exists.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rollouts (
			name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			enabled_tenants JSONB NOT NULL DEFAULT '[]',
			disabled_tenants JSONB NOT NULL DEFAULT '[]',
			stage_started_at TIMESTAMPTZ NOT NULL,
			stage_initiated_by TEXT NOT NULL DEFAULT '',
			auto_advance BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rollout_history (
			id UUID PRIMARY KEY,
			rollout TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			action TEXT NOT NULL,
			from_stage TEXT NOT NULL DEFAULT '',
			to_stage TEXT NOT NULL DEFAULT '',
			from_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			to_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			initiated_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			metrics JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollout_history_rollout_ts
			ON rollout_history (rollout, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			id BIGSERIAL PRIMARY KEY,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			breaker_open BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_outcomes_version_ts
			ON call_outcomes (version, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PGStore) GetRollout(ctx context.Context, name string) (*RolloutRecord, error) {
	var rec RolloutRecord
	var enabledTenants, disabledTenants, metadata []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, enabled, percentage, enabled_tenants, disabled_tenants,
		       stage_started_at, stage_initiated_by, auto_advance, metadata, updated_at
		FROM rollouts WHERE name = $1`, name).
		Scan(&rec.Name, &rec.Enabled, &rec.Percentage, &enabledTenants, &disabledTenants,
			&rec.StageStartedAt, &rec.StageInitiatedBy, &rec.AutoAdvance, &metadata, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rollout %q: %w", name, err)
	}
	if err := json.Unmarshal(enabledTenants, &rec.EnabledTenants); err != nil {
		return nil, fmt.Errorf("decode enabled tenants: %w", err)
	}
	if err := json.Unmarshal(disabledTenants, &rec.DisabledTenants); err != nil {
		return nil, fmt.Errorf("decode disabled tenants: %w", err)
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &rec, nil
}

func (s *PGStore) PutRollout(ctx context.Context, rec *RolloutRecord) error {
	enabledTenants, err := json.Marshal(emptyIfNil(rec.EnabledTenants))
	if err != nil {
		return fmt.Errorf("encode enabled tenants: %w", err)
	}
	disabledTenants, err := json.Marshal(emptyIfNil(rec.DisabledTenants))
	if err != nil {
		return fmt.Errorf("encode disabled tenants: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO rollouts (name, enabled, percentage, enabled_tenants, disabled_tenants,
		                      stage_started_at, stage_initiated_by, auto_advance, metadata, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			percentage = EXCLUDED.percentage,
			enabled_tenants = EXCLUDED.enabled_tenants,
			disabled_tenants = EXCLUDED.disabled_tenants,
			stage_started_at = EXCLUDED.stage_started_at,
			stage_initiated_by = EXCLUDED.stage_initiated_by,
			auto_advance = EXCLUDED.auto_advance,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`,
		rec.Name, rec.Enabled, rec.Percentage, enabledTenants, disabledTenants,
		rec.StageStartedAt, rec.StageInitiatedBy, rec.AutoAdvance, metadata)
	if err != nil {
		return fmt.Errorf("put rollout %q: %w", rec.Name, err)
	}
	return nil
}

func (s *PGStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	var metrics []byte
	if entry.Metrics != nil {
		var err error
		if metrics, err = json.Marshal(entry.Metrics); err != nil {
			return fmt.Errorf("encode metrics snapshot: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rollout_history (id, rollout, timestamp, action, from_stage, to_stage,
		                             from_percentage, to_percentage, initiated_by, reason, metrics)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.Rollout, entry.Timestamp, string(entry.Action),
		string(entry.FromStage), string(entry.ToStage),
		entry.FromPercentage, entry.ToPercentage, entry.InitiatedBy, entry.Reason, metrics)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PGStore) ListHistory(ctx context.Context, rollout string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, rollout, timestamp, action, from_stage, to_stage,
		       from_percentage, to_percentage, initiated_by, reason, metrics
		FROM rollout_history WHERE rollout = $1
		ORDER BY timestamp DESC LIMIT $2`, rollout, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var action, fromStage, toStage string
		var metrics []byte
		err := rows.Scan(&e.ID, &e.Rollout, &e.Timestamp, &action, &fromStage, &toStage,
			&e.FromPercentage, &e.ToPercentage, &e.InitiatedBy, &e.Reason, &metrics)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Action = HistoryAction(action)
		e.FromStage = stage.Stage(fromStage)
		e.ToStage = stage.Stage(toStage)
		if len(metrics) > 0 {
			var m health.Metrics
			if err := json.Unmarshal(metrics, &m); err != nil {
				return nil, fmt.Errorf("decode metrics snapshot: %w", err)
			}
			e.Metrics = &m
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PGStore) RecordOutcome(ctx context.Context, outcome health.CallOutcome) error {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_outcomes (version, status, latency_ms, breaker_open, timestamp)
		VALUES ($1,$2,$3,$4,$5)`,
		outcome.Version, string(outcome.Status), outcome.LatencyMs, outcome.BreakerOpen, outcome.Timestamp)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *PGStore) QueryOutcomes(ctx context.Context, version string, window time.Duration) ([]health.CallOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, status, latency_ms, breaker_open, timestamp
		FROM call_outcomes WHERE version = $1 AND timestamp >= $2`,
		version, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []health.CallOutcome
	for rows.Next() {
		var o health.CallOutcome
		var status string
		if err := rows.Scan(&o.Version, &status, &o.LatencyMs, &o.BreakerOpen, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = health.OutcomeStatus(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PGStore) PruneOutcomes(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM call_outcomes WHERE timestamp < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
