package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

// SQLiteStore is a Store backed by a SQLite database, suitable for
// single-node deployments and local development.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rollouts (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0,
			percentage REAL NOT NULL DEFAULT 0,
			enabled_tenants TEXT NOT NULL DEFAULT '[]',
			disabled_tenants TEXT NOT NULL DEFAULT '[]',
			stage_started_at TEXT NOT NULL,
			stage_initiated_by TEXT NOT NULL DEFAULT '',
			auto_advance INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rollout_history (
			id TEXT PRIMARY KEY,
			rollout TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			from_stage TEXT NOT NULL DEFAULT '',
			to_stage TEXT NOT NULL DEFAULT '',
			from_percentage REAL NOT NULL DEFAULT 0,
			to_percentage REAL NOT NULL DEFAULT 0,
			initiated_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			metrics TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollout_history_rollout_ts
			ON rollout_history(rollout, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms REAL NOT NULL DEFAULT 0,
			breaker_open INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_outcomes_version_ts
			ON call_outcomes(version, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetRollout(ctx context.Context, name string) (*RolloutRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, enabled, percentage, enabled_tenants, disabled_tenants,
		       stage_started_at, stage_initiated_by, auto_advance, metadata, updated_at
		FROM rollouts WHERE name = ?`, name)

	var rec RolloutRecord
	var enabled, autoAdvance int
	var enabledTenants, disabledTenants, metadata, startedAt, updatedAt string
	err := row.Scan(&rec.Name, &enabled, &rec.Percentage, &enabledTenants, &disabledTenants,
		&startedAt, &rec.StageInitiatedBy, &autoAdvance, &metadata, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rollout %q: %w", name, err)
	}

	rec.Enabled = enabled != 0
	rec.AutoAdvance = autoAdvance != 0
	if err := json.Unmarshal([]byte(enabledTenants), &rec.EnabledTenants); err != nil {
		return nil, fmt.Errorf("decode enabled tenants: %w", err)
	}
	if err := json.Unmarshal([]byte(disabledTenants), &rec.DisabledTenants); err != nil {
		return nil, fmt.Errorf("decode disabled tenants: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if rec.StageStartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("decode stage_started_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) PutRollout(ctx context.Context, rec *RolloutRecord) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollouts (name, enabled, percentage, enabled_tenants, disabled_tenants,
		                      stage_started_at, stage_initiated_by, auto_advance, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			percentage = excluded.percentage,
			enabled_tenants = excluded.enabled_tenants,
			disabled_tenants = excluded.disabled_tenants,
			stage_started_at = excluded.stage_started_at,
			stage_initiated_by = excluded.stage_initiated_by,
			auto_advance = excluded.auto_advance,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.Name, boolToInt(rec.Enabled), rec.Percentage, string(enabledTenants), string(disabledTenants),
		formatTime(rec.StageStartedAt), rec.StageInitiatedBy, boolToInt(rec.AutoAdvance),
		string(metadata), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put rollout %q: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	var metrics any
	if entry.Metrics != nil {
		data, err := json.Marshal(entry.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics snapshot: %w", err)
		}
		metrics = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollout_history (id, rollout, timestamp, action, from_stage, to_stage,
		                             from_percentage, to_percentage, initiated_by, reason, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Rollout, formatTime(entry.Timestamp), string(entry.Action),
		string(entry.FromStage), string(entry.ToStage), entry.FromPercentage, entry.ToPercentage,
		entry.InitiatedBy, entry.Reason, metrics)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, rollout string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rollout, timestamp, action, from_stage, to_stage,
		       from_percentage, to_percentage, initiated_by, reason, metrics
		FROM rollout_history WHERE rollout = ?
		ORDER BY timestamp DESC LIMIT ?`, rollout, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var id, ts, action, fromStage, toStage string
		var metrics sql.NullString
		err := rows.Scan(&id, &e.Rollout, &ts, &action, &fromStage, &toStage,
			&e.FromPercentage, &e.ToPercentage, &e.InitiatedBy, &e.Reason, &metrics)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("decode history id: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("decode history timestamp: %w", err)
		}
		e.Action = HistoryAction(action)
		e.FromStage = stage.Stage(fromStage)
		e.ToStage = stage.Stage(toStage)
		if metrics.Valid && metrics.String != "" {
			var m health.Metrics
			if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
				return nil, fmt.Errorf("decode metrics snapshot: %w", err)
			}
			e.Metrics = &m
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, outcome health.CallOutcome) error {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_outcomes (version, status, latency_ms, breaker_open, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		outcome.Version, string(outcome.Status), outcome.LatencyMs,
		boolToInt(outcome.BreakerOpen), formatTime(outcome.Timestamp))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryOutcomes(ctx context.Context, version string, window time.Duration) ([]health.CallOutcome, error) {
	cutoff := s.now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, status, latency_ms, breaker_open, timestamp
		FROM call_outcomes WHERE version = ? AND timestamp >= ?`,
		version, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []health.CallOutcome
	for rows.Next() {
		var o health.CallOutcome
		var status, ts string
		var breakerOpen int
		if err := rows.Scan(&o.Version, &status, &o.LatencyMs, &breakerOpen, &ts); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = health.OutcomeStatus(status)
		o.BreakerOpen = breakerOpen != 0
		if o.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("decode outcome timestamp: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *SQLiteStore) PruneOutcomes(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_outcomes WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// timeLayout is a fixed-width RFC 3339 layout. RFC3339Nano trims trailing
// fractional zeros, which breaks lexical ordering across mixed precision
// ("12:00:01Z" sorts after "12:00:01.5Z"); padding the fraction keeps string
// comparison equal to chronological comparison for ORDER BY and range scans.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
