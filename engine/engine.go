package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
	"github.com/GoCodeAlone/rollout/store"
)

// historyDisplayLimit caps the history entries attached to a Status.
const historyDisplayLimit = 20

// HealthChecker evaluates rollout health for a stage. *health.Evaluator is
// the production implementation.
type HealthChecker interface {
	Check(ctx context.Context, st stage.Stage, stageStartedAt time.Time) (*health.Result, error)
}

// Status is the engine's view of a rollout: the persisted record with the
// stage derived from percentage and enabled, recent history, and the last
// cached health check.
type Status struct {
	Name             string                `json:"name"`
	CurrentStage     stage.Stage           `json:"currentStage"`
	Percentage       float64               `json:"percentage"`
	Enabled          bool                  `json:"enabled"`
	EnabledTenants   []string              `json:"enabledTenants,omitempty"`
	DisabledTenants  []string              `json:"disabledTenants,omitempty"`
	StageStartedAt   time.Time             `json:"stageStartedAt"`
	StageInitiatedBy string                `json:"stageInitiatedBy,omitempty"`
	AutoAdvance      bool                  `json:"autoAdvance"`
	LastHealthCheck  *health.Result        `json:"lastHealthCheck,omitempty"`
	History          []*store.HistoryEntry `json:"history,omitempty"`
}

// AdvanceCommand moves the rollout forward. Exactly one of TargetStage or
// TargetPercentage may be set; when both are empty the rollout advances to
// the next stage. SkipHealthCheck exists for operator-declared emergencies
// and is always recorded in the history reason.
type AdvanceCommand struct {
	TargetStage      stage.Stage `json:"targetStage,omitempty"`
	TargetPercentage *float64    `json:"targetPercentage,omitempty"`
	InitiatedBy      string      `json:"initiatedBy"`
	Reason           string      `json:"reason"`
	SkipHealthCheck  bool        `json:"skipHealthCheck,omitempty"`
}

// RollbackLevel selects the scope of a rollback.
type RollbackLevel string

const (
	RollbackTenant  RollbackLevel = "tenant"
	RollbackPartial RollbackLevel = "partial"
	RollbackTotal   RollbackLevel = "total"
)

// RollbackCommand reverts rollout state. Tenant-level rollbacks disable one
// tenant without touching the global percentage; partial rollbacks reduce the
// percentage; total rollbacks force percentage 0 and disable the rollout.
type RollbackCommand struct {
	Level            RollbackLevel `json:"level"`
	TargetPercentage *float64      `json:"targetPercentage,omitempty"`
	TenantID         string        `json:"tenantId,omitempty"`
	InitiatedBy      string        `json:"initiatedBy"`
	Reason           string        `json:"reason"`
}

// TenantAction selects the direction of a tenant override change.
type TenantAction string

const (
	TenantEnable  TenantAction = "enable"
	TenantDisable TenantAction = "disable"
)

// TenantCommand adds or removes a tenant override. The override lists are
// kept mutually exclusive: enabling removes the tenant from the disabled
// list and vice versa.
type TenantCommand struct {
	TenantID    string       `json:"tenantId"`
	Action      TenantAction `json:"action"`
	InitiatedBy string       `json:"initiatedBy"`
	Reason      string       `json:"reason"`
}

// Engine owns the persisted rollout state. All writes go through its
// commands; it is the single writer path and the only place history is
// appended. The Alert Loop and HTTP/CLI surfaces only read status and call
// commands.
type Engine struct {
	name    string
	flags   store.FlagStore
	history store.HistoryStore
	checker HealthChecker
	catalog stage.Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastHealth *health.Result
}

// New creates an Engine for the named rollout.
func New(name string, flags store.FlagStore, history store.HistoryStore, checker HealthChecker, catalog stage.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = stage.DefaultCatalog()
	}
	return &Engine{
		name:    name,
		flags:   flags,
		history: history,
		checker: checker,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the engine's clock (for testing).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Name returns the rollout name this engine manages.
func (e *Engine) Name() string { return e.name }

// loadOrDefault reads the persisted record, or returns the explicit default
// when none has ever been written: disabled, 0%, auto-advance off.
func (e *Engine) loadOrDefault(ctx context.Context) (*store.RolloutRecord, error) {
	rec, err := e.flags.GetRollout(ctx, e.name)
	if err == store.ErrNotFound {
		return &store.RolloutRecord{
			Name:           e.name,
			Enabled:        false,
			Percentage:     0,
			StageStartedAt: e.now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rollout %q: %w", e.name, err)
	}
	return rec, nil
}

// GetStatus returns the current rollout status. The stage is recomputed from
// percentage and enabled on every read so the two can never disagree.
func (e *Engine) GetStatus(ctx context.Context) (*Status, error) {
	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.history.ListHistory(ctx, e.name, historyDisplayLimit)
	if err != nil {
		// History is display-only on reads; log and serve the status anyway.
		e.logger.Warn("failed to load rollout history", "rollout", e.name, "error", err)
		entries = nil
	}
	e.mu.Lock()
	last := e.lastHealth
	e.mu.Unlock()
	return e.statusFrom(rec, entries, last), nil
}

func (e *Engine) statusFrom(rec *store.RolloutRecord, entries []*store.HistoryEntry, last *health.Result) *Status {
	return &Status{
		Name:             rec.Name,
		CurrentStage:     stage.ForPercentage(rec.Percentage, rec.Enabled),
		Percentage:       rec.Percentage,
		Enabled:          rec.Enabled,
		EnabledTenants:   rec.EnabledTenants,
		DisabledTenants:  rec.DisabledTenants,
		StageStartedAt:   rec.StageStartedAt,
		StageInitiatedBy: rec.StageInitiatedBy,
		AutoAdvance:      rec.AutoAdvance,
		LastHealthCheck:  last,
		History:          entries,
	}
}

// CheckHealth runs the health evaluator against the current stage and caches
// the result for display on subsequent status reads. A fetch failure leaves
// the previous cached result untouched.
func (e *Engine) CheckHealth(ctx context.Context) (*health.Result, error) {
	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	st := stage.ForPercentage(rec.Percentage, rec.Enabled)
	res, err := e.checker.Check(ctx, st, rec.StageStartedAt)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	e.mu.Lock()
	e.lastHealth = res
	e.mu.Unlock()
	return res, nil
}

// NextStage returns the stage after the current one, or false at Complete.
func (e *Engine) NextStage(ctx context.Context) (stage.Stage, bool, error) {
	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return "", false, err
	}
	next, ok := stage.Next(stage.ForPercentage(rec.Percentage, rec.Enabled))
	return next, ok, nil
}

// PreviousStage returns the stage before the current one, or false at Disabled.
func (e *Engine) PreviousStage(ctx context.Context) (stage.Stage, bool, error) {
	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return "", false, err
	}
	prev, ok := stage.Previous(stage.ForPercentage(rec.Percentage, rec.Enabled))
	return prev, ok, nil
}

// TenantUsesNewVersion reports whether the tenant currently receives the new
// version. The decision is deterministic for a fixed status.
func (e *Engine) TenantUsesNewVersion(ctx context.Context, tenantID string) (bool, error) {
	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return false, err
	}
	return ShouldUseNewVersion(tenantID, e.statusFrom(rec, nil, nil)), nil
}

// Advance moves the rollout to the target stage or percentage. Unless
// SkipHealthCheck is set, the health evaluator must report CanAdvance for the
// current stage; otherwise an AdvanceBlockedError carrying the unmet criteria
// is returned and nothing is written.
func (e *Engine) Advance(ctx context.Context, cmd AdvanceCommand) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	fromStage := stage.ForPercentage(rec.Percentage, rec.Enabled)

	targetPct, err := e.resolveAdvanceTarget(rec, fromStage, cmd)
	if err != nil {
		return nil, err
	}
	toStage := stage.ForPercentage(targetPct, true)

	reason := cmd.Reason
	if cmd.SkipHealthCheck {
		reason = strings.TrimSpace(reason + " (health check skipped)")
	} else {
		res, err := e.checker.Check(ctx, fromStage, rec.StageStartedAt)
		if err != nil {
			return nil, fmt.Errorf("health check before advance: %w", err)
		}
		e.lastHealth = res
		if !res.CanAdvance {
			return nil, &AdvanceBlockedError{Stage: fromStage, Result: res}
		}
	}

	fromPct := rec.Percentage
	now := e.now()
	rec.Percentage = targetPct
	rec.Enabled = true
	rec.StageStartedAt = now
	rec.StageInitiatedBy = cmd.InitiatedBy

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      now,
		Action:         store.ActionAdvance,
		FromStage:      fromStage,
		ToStage:        toStage,
		FromPercentage: fromPct,
		ToPercentage:   targetPct,
		InitiatedBy:    cmd.InitiatedBy,
		Reason:         reason,
		Metrics:        e.metricsSnapshot(),
	})

	e.logger.Info("rollout advanced",
		"rollout", e.name,
		"from_stage", string(fromStage),
		"to_stage", string(toStage),
		"percentage", targetPct,
		"initiated_by", cmd.InitiatedBy,
	)
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// resolveAdvanceTarget maps an advance command to a target percentage,
// rejecting targets that do not move the rollout forward.
func (e *Engine) resolveAdvanceTarget(rec *store.RolloutRecord, from stage.Stage, cmd AdvanceCommand) (float64, error) {
	if cmd.TargetPercentage != nil && cmd.TargetStage != "" {
		return 0, &ValidationError{Detail: "specify a target stage or a target percentage, not both"}
	}
	if cmd.TargetPercentage != nil {
		pct := *cmd.TargetPercentage
		if pct <= 0 || pct > 100 {
			return 0, &ValidationError{Detail: fmt.Sprintf("target percentage %.1f out of range (0, 100]", pct)}
		}
		if pct <= rec.Percentage {
			return 0, &ValidationError{Detail: fmt.Sprintf("target percentage %.1f does not exceed current %.1f; use rollback to reduce", pct, rec.Percentage)}
		}
		return pct, nil
	}
	if cmd.TargetStage != "" {
		if !cmd.TargetStage.Valid() {
			return 0, &ValidationError{Detail: fmt.Sprintf("unknown stage %q", cmd.TargetStage)}
		}
		if !from.Before(cmd.TargetStage) {
			return 0, &ValidationError{Detail: fmt.Sprintf("target stage %s is not after current stage %s", cmd.TargetStage, from)}
		}
		return e.catalog.PercentageFor(cmd.TargetStage), nil
	}
	next, ok := stage.Next(from)
	if !ok {
		return 0, &ValidationError{Detail: "rollout is already at the complete stage"}
	}
	return e.catalog.PercentageFor(next), nil
}

// Rollback reverts rollout state at tenant, partial, or total scope. Total
// rollbacks always end at percentage 0 with the rollout disabled, regardless
// of prior state. Rollback is accepted in every stage, including complete.
func (e *Engine) Rollback(ctx context.Context, cmd RollbackCommand) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	fromStage := stage.ForPercentage(rec.Percentage, rec.Enabled)
	fromPct := rec.Percentage
	now := e.now()

	var action store.HistoryAction
	switch cmd.Level {
	case RollbackTenant:
		if cmd.TenantID == "" {
			return nil, &ValidationError{Detail: "tenant rollback requires a tenant id"}
		}
		rec.EnabledTenants = removeString(rec.EnabledTenants, cmd.TenantID)
		rec.DisabledTenants = appendUnique(rec.DisabledTenants, cmd.TenantID)
		action = store.ActionRollbackTenant

	case RollbackPartial:
		if cmd.TargetPercentage == nil {
			return nil, &ValidationError{Detail: "partial rollback requires a target percentage"}
		}
		pct := *cmd.TargetPercentage
		if pct < 0 || pct > rec.Percentage {
			return nil, &ValidationError{Detail: fmt.Sprintf("partial rollback target %.1f must be within [0, %.1f]", pct, rec.Percentage)}
		}
		rec.Percentage = pct
		rec.StageStartedAt = now
		rec.StageInitiatedBy = cmd.InitiatedBy
		action = store.ActionRollbackPartial

	case RollbackTotal:
		rec.Percentage = 0
		rec.Enabled = false
		rec.StageStartedAt = now
		rec.StageInitiatedBy = cmd.InitiatedBy
		action = store.ActionRollbackTotal

	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown rollback level %q", cmd.Level)}
	}

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	toStage := stage.ForPercentage(rec.Percentage, rec.Enabled)
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      now,
		Action:         action,
		FromStage:      fromStage,
		ToStage:        toStage,
		FromPercentage: fromPct,
		ToPercentage:   rec.Percentage,
		InitiatedBy:    cmd.InitiatedBy,
		Reason:         cmd.Reason,
		Metrics:        e.metricsSnapshot(),
	})

	e.logger.Warn("rollout rolled back",
		"rollout", e.name,
		"level", string(cmd.Level),
		"from_percentage", fromPct,
		"to_percentage", rec.Percentage,
		"tenant", cmd.TenantID,
		"initiated_by", cmd.InitiatedBy,
		"reason", cmd.Reason,
	)
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// UpdateTenantStatus adds or removes a tenant override, keeping the enabled
// and disabled lists mutually exclusive. The operation is idempotent.
func (e *Engine) UpdateTenantStatus(ctx context.Context, cmd TenantCommand) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cmd.TenantID == "" {
		return nil, &ValidationError{Detail: "tenant id is required"}
	}

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}

	var action store.HistoryAction
	switch cmd.Action {
	case TenantEnable:
		rec.DisabledTenants = removeString(rec.DisabledTenants, cmd.TenantID)
		rec.EnabledTenants = appendUnique(rec.EnabledTenants, cmd.TenantID)
		action = store.ActionEnableTenant
	case TenantDisable:
		rec.EnabledTenants = removeString(rec.EnabledTenants, cmd.TenantID)
		rec.DisabledTenants = appendUnique(rec.DisabledTenants, cmd.TenantID)
		action = store.ActionDisableTenant
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown tenant action %q", cmd.Action)}
	}

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	st := stage.ForPercentage(rec.Percentage, rec.Enabled)
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      e.now(),
		Action:         action,
		FromStage:      st,
		ToStage:        st,
		FromPercentage: rec.Percentage,
		ToPercentage:   rec.Percentage,
		InitiatedBy:    cmd.InitiatedBy,
		Reason:         cmd.Reason,
	})

	e.logger.Info("tenant override updated",
		"rollout", e.name,
		"tenant", cmd.TenantID,
		"action", string(cmd.Action),
		"initiated_by", cmd.InitiatedBy,
	)
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// SetEnabled turns the rollout on or off without changing the stored
// percentage.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool, initiatedBy, reason string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	fromStage := stage.ForPercentage(rec.Percentage, rec.Enabled)
	now := e.now()
	rec.Enabled = enabled
	rec.StageStartedAt = now
	rec.StageInitiatedBy = initiatedBy

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	action := store.ActionEnable
	if !enabled {
		action = store.ActionDisable
	}
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      now,
		Action:         action,
		FromStage:      fromStage,
		ToStage:        stage.ForPercentage(rec.Percentage, rec.Enabled),
		FromPercentage: rec.Percentage,
		ToPercentage:   rec.Percentage,
		InitiatedBy:    initiatedBy,
		Reason:         reason,
	})
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// SetPercentage sets the rollout percentage directly, in either direction.
// It is an operator tool; graduated advances should use Advance so the
// health gate applies.
func (e *Engine) SetPercentage(ctx context.Context, pct float64, initiatedBy, reason string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pct < 0 || pct > 100 {
		return nil, &ValidationError{Detail: fmt.Sprintf("percentage %.1f out of range [0, 100]", pct)}
	}

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	fromStage := stage.ForPercentage(rec.Percentage, rec.Enabled)
	fromPct := rec.Percentage
	now := e.now()
	rec.Percentage = pct
	rec.StageStartedAt = now
	rec.StageInitiatedBy = initiatedBy

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      now,
		Action:         store.ActionSetPercentage,
		FromStage:      fromStage,
		ToStage:        stage.ForPercentage(rec.Percentage, rec.Enabled),
		FromPercentage: fromPct,
		ToPercentage:   pct,
		InitiatedBy:    initiatedBy,
		Reason:         reason,
	})
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// SetAutoAdvance toggles automatic stage advancement by the monitor. The
// health gate still applies to every automatic advance.
func (e *Engine) SetAutoAdvance(ctx context.Context, enabled bool, initiatedBy, reason string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	st := stage.ForPercentage(rec.Percentage, rec.Enabled)
	rec.AutoAdvance = enabled

	if err := e.flags.PutRollout(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rollout: %w", err)
	}
	e.appendHistory(ctx, &store.HistoryEntry{
		Rollout:        e.name,
		Timestamp:      e.now(),
		Action:         store.ActionSetAutoAdvance,
		FromStage:      st,
		ToStage:        st,
		FromPercentage: rec.Percentage,
		ToPercentage:   rec.Percentage,
		InitiatedBy:    initiatedBy,
		Reason:         reason,
	})
	e.logger.Info("auto-advance updated", "rollout", e.name, "enabled", enabled, "initiated_by", initiatedBy)
	return e.statusFrom(rec, nil, e.lastHealth), nil
}

// appendHistory writes an audit entry after the primary state write has
// succeeded. History is an audit trail, not a correctness input, so a failed
// append is logged and never fails the command.
func (e *Engine) appendHistory(ctx context.Context, entry *store.HistoryEntry) {
	if err := e.history.AppendHistory(ctx, entry); err != nil {
		e.logger.Error("failed to append rollout history",
			"rollout", e.name,
			"action", string(entry.Action),
			"error", err,
		)
	}
}

// metricsSnapshot returns a copy of the last health check's new-version
// metrics for embedding in history entries, or nil when no check has run.
func (e *Engine) metricsSnapshot() *health.Metrics {
	if e.lastHealth == nil {
		return nil
	}
	m := e.lastHealth.NewVersion
	return &m
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
