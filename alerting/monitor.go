package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/rollout/engine"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

// Controller is the slice of the rollout engine the monitor needs: read
// status, evaluate health, and roll back when a critical breach demands it.
type Controller interface {
	Name() string
	GetStatus(ctx context.Context) (*engine.Status, error)
	CheckHealth(ctx context.Context) (*health.Result, error)
	Advance(ctx context.Context, cmd engine.AdvanceCommand) (*engine.Status, error)
	Rollback(ctx context.Context, cmd engine.RollbackCommand) (*engine.Status, error)
}

// Config holds monitor tuning.
type Config struct {
	// Enabled gates the background loop entirely.
	Enabled bool
	// MonitoringInterval is the tick period of the alert loop.
	MonitoringInterval time.Duration
	// DefaultChannels is attached to every emitted event.
	DefaultChannels []string
	// AutoRollbackOnCritical triggers a total rollback when the health
	// evaluator reports a no-go breach.
	AutoRollbackOnCritical bool
	// MinCallsForAlerts suppresses alerting until the new version has seen
	// this much traffic in the evaluation window.
	MinCallsForAlerts int
	// SuppressionWindow silences the loop after any rollback, so operators
	// are not paged about a rollout that was just reverted.
	SuppressionWindow time.Duration
	// WarningEscalation promotes a warning run to critical after this long.
	WarningEscalation time.Duration
	// MaxConsecutiveWarnings promotes a warning run to critical after this
	// many consecutive warning ticks.
	MaxConsecutiveWarnings int
}

// DefaultConfig returns production monitor defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MonitoringInterval:     30 * time.Second,
		AutoRollbackOnCritical: true,
		MinCallsForAlerts:      50,
		SuppressionWindow:      30 * time.Minute,
		WarningEscalation:      15 * time.Minute,
		MaxConsecutiveWarnings: 3,
	}
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Monitor runs the alert loop: on every tick it evaluates rollout health,
// emits events for threshold breaches, escalates sustained warning runs, and
// optionally rolls back on critical breaches. It also provides the manual
// alert constructors used by the command surfaces.
type Monitor struct {
	cfg     Config
	ctrl    Controller
	manager AlertManager
	state   StateStore
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	subs   []subscriber
	nextID uint64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a Monitor. A nil manager falls back to NoopManager and
// a nil state store to a process-local one.
func NewMonitor(cfg Config, ctrl Controller, manager AlertManager, state StateStore, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if manager == nil {
		manager = NoopManager{}
	}
	if state == nil {
		state = NewMemoryStateStore()
	}
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = DefaultConfig().MonitoringInterval
	}
	return &Monitor{
		cfg:     cfg,
		ctrl:    ctrl,
		manager: manager,
		state:   state,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the monitor's clock (for testing).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Subscribe registers a callback for every emitted event and returns an
// idempotent unsubscribe function. Callbacks run synchronously on the loop
// goroutine in registration order; a panicking subscriber is isolated.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Start launches the background loop. It is a no-op when the monitor is
// disabled or already running.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("rollout monitor disabled", "rollout", m.ctrl.Name())
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(ctx, m.stop, m.done)
	m.logger.Info("rollout monitor started",
		"rollout", m.ctrl.Name(),
		"interval", m.cfg.MonitoringInterval,
		"auto_rollback", m.cfg.AutoRollbackOnCritical,
	)
}

// Stop halts the background loop and waits for the in-flight tick to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	<-m.done
	m.running = false
	m.logger.Info("rollout monitor stopped", "rollout", m.ctrl.Name())
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("monitor tick failed", "rollout", m.ctrl.Name(), "error", err)
			}
		}
	}
}

// Tick runs one monitoring pass. Exported so tests and operators can drive
// the loop without the timer.
func (m *Monitor) Tick(ctx context.Context) error {
	rollout := m.ctrl.Name()
	now := m.now()

	status, err := m.ctrl.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if !status.Enabled || status.CurrentStage == stage.Disabled {
		return nil
	}

	if last, ok, err := m.state.LastRollbackAt(ctx, rollout); err != nil {
		m.logger.Warn("failed to read suppression state", "rollout", rollout, "error", err)
	} else if ok && now.Sub(last) < m.cfg.SuppressionWindow {
		m.logger.Debug("alerting suppressed after rollback",
			"rollout", rollout,
			"rolled_back_at", last,
			"suppression_window", m.cfg.SuppressionWindow,
		)
		return nil
	}

	res, err := m.ctrl.CheckHealth(ctx)
	if err != nil {
		// Metrics outage: keep the warning run as-is rather than resetting
		// or escalating on missing data.
		return fmt.Errorf("check health: %w", err)
	}

	if res.NewVersion.TotalCalls < m.cfg.MinCallsForAlerts {
		m.logger.Debug("skipping alert evaluation: insufficient traffic",
			"rollout", rollout,
			"calls", res.NewVersion.TotalCalls,
			"required", m.cfg.MinCallsForAlerts,
		)
		return nil
	}

	var warnings, criticals []health.Issue
	for _, issue := range res.Issues {
		switch issue.Severity {
		case health.SeverityCritical:
			criticals = append(criticals, issue)
		default:
			warnings = append(warnings, issue)
		}
	}

	switch {
	case len(criticals) > 0:
		return m.handleCriticals(ctx, status, res, criticals, now)
	case len(warnings) > 0:
		return m.handleWarnings(ctx, status, warnings, now)
	default:
		if err := m.state.ClearWarningState(ctx, rollout); err != nil {
			m.logger.Warn("failed to clear warning state", "rollout", rollout, "error", err)
		}
		if status.AutoAdvance && res.CanAdvance {
			m.autoAdvance(ctx, status, now)
		}
		return nil
	}
}

// autoAdvance moves the rollout one stage forward on a clean tick. The
// engine re-runs the health gate, so a stale result cannot slip a bad
// advance through.
func (m *Monitor) autoAdvance(ctx context.Context, status *engine.Status, now time.Time) {
	rollout := m.ctrl.Name()
	advanced, err := m.ctrl.Advance(ctx, engine.AdvanceCommand{
		InitiatedBy: "monitor",
		Reason:      fmt.Sprintf("auto-advance: stage %s healthy", status.CurrentStage),
	})
	if err != nil {
		// A blocked or already-complete advance is routine here.
		m.logger.Debug("auto-advance not taken", "rollout", rollout, "stage", string(status.CurrentStage), "reason", err)
		return
	}
	m.emit(ctx, Event{
		Type:     EventStageAdvancement,
		Severity: SeverityInfo,
		Rollout:  rollout,
		Stage:    advanced.CurrentStage,
		Message:  fmt.Sprintf("rollout auto-advanced from %s to %s", status.CurrentStage, advanced.CurrentStage),
		Details: map[string]any{
			"fromStage":   string(status.CurrentStage),
			"toStage":     string(advanced.CurrentStage),
			"initiatedBy": "monitor",
		},
		Timestamp: now,
	})
}

func (m *Monitor) handleCriticals(ctx context.Context, status *engine.Status, res *health.Result, criticals []health.Issue, now time.Time) error {
	rollout := m.ctrl.Name()
	for _, issue := range criticals {
		m.emit(ctx, Event{
			Type:     issueEventType(issue.Type),
			Severity: SeverityCritical,
			Rollout:  rollout,
			Stage:    status.CurrentStage,
			Message:  issue.Message,
			Details: map[string]any{
				"currentValue": issue.CurrentValue,
				"threshold":    issue.ThresholdValue,
			},
			Timestamp: now,
		})
	}

	if !res.ShouldRollback || !m.cfg.AutoRollbackOnCritical {
		return nil
	}

	reason := fmt.Sprintf("automatic rollback: %d critical health issue(s) at stage %s", len(criticals), status.CurrentStage)
	rolled, err := m.ctrl.Rollback(ctx, engine.RollbackCommand{
		Level:       engine.RollbackTotal,
		InitiatedBy: "monitor",
		Reason:      reason,
	})
	if err != nil {
		m.emit(ctx, Event{
			Type:      EventRollbackFailed,
			Severity:  SeverityCritical,
			Rollout:   rollout,
			Stage:     status.CurrentStage,
			Message:   fmt.Sprintf("automatic rollback failed: %v", err),
			Details:   map[string]any{"error": err.Error()},
			Timestamp: now,
		})
		return fmt.Errorf("automatic rollback: %w", err)
	}

	if err := m.state.SetLastRollbackAt(ctx, rollout, now); err != nil {
		m.logger.Warn("failed to record rollback suppression", "rollout", rollout, "error", err)
	}
	if err := m.state.ClearWarningState(ctx, rollout); err != nil {
		m.logger.Warn("failed to clear warning state", "rollout", rollout, "error", err)
	}
	m.emit(ctx, Event{
		Type:     EventAutoRollback,
		Severity: SeverityCritical,
		Rollout:  rollout,
		Stage:    rolled.CurrentStage,
		Message:  reason,
		Details: map[string]any{
			"fromStage":      string(status.CurrentStage),
			"fromPercentage": status.Percentage,
			"toPercentage":   rolled.Percentage,
		},
		Timestamp: now,
	})
	return nil
}

func (m *Monitor) handleWarnings(ctx context.Context, status *engine.Status, warnings []health.Issue, now time.Time) error {
	rollout := m.ctrl.Name()
	st, err := m.state.WarningState(ctx, rollout)
	if err != nil {
		m.logger.Warn("failed to read warning state", "rollout", rollout, "error", err)
		st = WarningState{}
	}
	if st.ConsecutiveWarnings == 0 {
		st.FirstWarningAt = now
	}
	st.ConsecutiveWarnings++

	for _, issue := range warnings {
		m.emit(ctx, Event{
			Type:     issueEventType(issue.Type),
			Severity: SeverityWarning,
			Rollout:  rollout,
			Stage:    status.CurrentStage,
			Message:  issue.Message,
			Details: map[string]any{
				"currentValue":        issue.CurrentValue,
				"threshold":           issue.ThresholdValue,
				"consecutiveWarnings": st.ConsecutiveWarnings,
			},
			Timestamp: now,
		})
	}

	countHit := m.cfg.MaxConsecutiveWarnings > 0 && st.ConsecutiveWarnings >= m.cfg.MaxConsecutiveWarnings
	durationHit := m.cfg.WarningEscalation > 0 && now.Sub(st.FirstWarningAt) >= m.cfg.WarningEscalation
	if !st.Escalated && (countHit || durationHit) {
		st.Escalated = true
		m.emit(ctx, Event{
			Type:     EventWarningEscalation,
			Severity: SeverityCritical,
			Rollout:  rollout,
			Stage:    status.CurrentStage,
			Message: fmt.Sprintf("rollout has reported warnings for %d consecutive checks since %s",
				st.ConsecutiveWarnings, st.FirstWarningAt.Format(time.RFC3339)),
			Details: map[string]any{
				"escalated":           true,
				"consecutiveWarnings": st.ConsecutiveWarnings,
				"firstWarningAt":      st.FirstWarningAt.Format(time.RFC3339),
			},
			Timestamp: now,
		})
	}

	if err := m.state.SetWarningState(ctx, rollout, st); err != nil {
		m.logger.Warn("failed to persist warning state", "rollout", rollout, "error", err)
	}
	return nil
}

// CreateStageAdvancementAlert records an informational alert after a manual
// or automatic stage advance.
func (m *Monitor) CreateStageAdvancementAlert(ctx context.Context, from, to stage.Stage, initiatedBy string) {
	m.emit(ctx, Event{
		Type:     EventStageAdvancement,
		Severity: SeverityInfo,
		Rollout:  m.ctrl.Name(),
		Stage:    to,
		Message:  fmt.Sprintf("rollout advanced from %s to %s", from, to),
		Details: map[string]any{
			"fromStage":   string(from),
			"toStage":     string(to),
			"initiatedBy": initiatedBy,
		},
		Timestamp: m.now(),
	})
}

// CreateRollbackAlert records a warning alert after a manual rollback and
// starts the post-rollback suppression window.
func (m *Monitor) CreateRollbackAlert(ctx context.Context, level engine.RollbackLevel, fromPct, toPct float64, initiatedBy, reason string) {
	rollout := m.ctrl.Name()
	now := m.now()
	if err := m.state.SetLastRollbackAt(ctx, rollout, now); err != nil {
		m.logger.Warn("failed to record rollback suppression", "rollout", rollout, "error", err)
	}
	if err := m.state.ClearWarningState(ctx, rollout); err != nil {
		m.logger.Warn("failed to clear warning state", "rollout", rollout, "error", err)
	}
	m.emit(ctx, Event{
		Type:     EventManualRollback,
		Severity: SeverityWarning,
		Rollout:  rollout,
		Message:  fmt.Sprintf("rollout rolled back (%s) from %.1f%% to %.1f%%: %s", level, fromPct, toPct, reason),
		Details: map[string]any{
			"level":          string(level),
			"fromPercentage": fromPct,
			"toPercentage":   toPct,
			"initiatedBy":    initiatedBy,
			"reason":         reason,
		},
		Timestamp: now,
	})
}

// CreateStageBlockedAlert records a warning alert when an advance is refused
// by the health gate.
func (m *Monitor) CreateStageBlockedAlert(ctx context.Context, st stage.Stage, blockers []string) {
	m.emit(ctx, Event{
		Type:      EventStageBlocked,
		Severity:  SeverityWarning,
		Rollout:   m.ctrl.Name(),
		Stage:     st,
		Message:   fmt.Sprintf("advance from stage %s blocked by %d unmet criteria", st, len(blockers)),
		Details:   map[string]any{"blockers": blockers},
		Timestamp: m.now(),
	})
}

// GetRolloutAlerts returns the active alerts raised for this rollout.
func (m *Monitor) GetRolloutAlerts() []ManagedAlert {
	var out []ManagedAlert
	for _, a := range m.manager.ActiveAlerts() {
		if a.Labels["component"] == "rollout" && a.Rollout == m.ctrl.Name() {
			out = append(out, a)
		}
	}
	return out
}

// GetRolloutAlertSummary counts this rollout's active alerts by severity.
func (m *Monitor) GetRolloutAlertSummary() Summary {
	var s Summary
	for _, a := range m.GetRolloutAlerts() {
		s.Total++
		switch a.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityWarning:
			s.Warning++
		default:
			s.Info++
		}
	}
	return s
}

// emit finalizes an event, hands it to the manager, and fans it out to
// subscribers. A panicking subscriber never takes down the loop.
func (m *Monitor) emit(ctx context.Context, ev Event) {
	ev.ID = uuid.New()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if len(ev.Channels) == 0 {
		ev.Channels = m.cfg.DefaultChannels
	}
	if ev.Labels == nil {
		ev.Labels = map[string]string{}
	}
	ev.Labels["component"] = "rollout"
	ev.Labels["rollout"] = ev.Rollout

	if err := m.manager.Raise(ctx, ev); err != nil {
		m.logger.Error("failed to raise alert", "rollout", ev.Rollout, "type", string(ev.Type), "error", err)
	}
	m.logger.Log(ctx, severityLevel(ev.Severity), "rollout alert",
		"rollout", ev.Rollout,
		"type", string(ev.Type),
		"severity", string(ev.Severity),
		"message", ev.Message,
	)

	m.mu.Lock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, s := range subs {
		m.notify(s, ev)
	}
}

func (m *Monitor) notify(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert subscriber panicked", "rollout", ev.Rollout, "panic", r)
		}
	}()
	s.fn(ev)
}

func issueEventType(t health.IssueType) EventType {
	switch t {
	case health.IssueErrorRate:
		return EventErrorRateSpike
	case health.IssueLatency:
		return EventLatencySpike
	case health.IssueCircuitBreaker:
		return EventCircuitBreakerTriggered
	default:
		return EventHealthDegradation
	}
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
