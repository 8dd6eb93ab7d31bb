package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/rollout/stage"
)

// Severity grades a rollout issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IssueType names the metric dimension that breached a threshold.
type IssueType string

const (
	IssueErrorRate      IssueType = "error_rate"
	IssueLatency        IssueType = "latency"
	IssueCircuitBreaker IssueType = "circuit_breaker"
	IssueFailedCalls    IssueType = "failed_calls"
	IssueOther          IssueType = "other"
)

// Issue describes one breached threshold. Critical issues breach the stage's
// No-Go criteria; warnings breach only the Go criteria.
type Issue struct {
	Severity          Severity  `json:"severity"`
	Type              IssueType `json:"type"`
	Message           string    `json:"message"`
	CurrentValue      float64   `json:"currentValue"`
	ThresholdValue    float64   `json:"thresholdValue"`
	RecommendedAction string    `json:"recommendedAction"`
}

// Result is a point-in-time health snapshot. It is derived, never persisted;
// the engine caches the most recent one for display only.
type Result struct {
	Timestamp      time.Time   `json:"timestamp"`
	Stage          stage.Stage `json:"stage"`
	Healthy        bool        `json:"healthy"`
	CanAdvance     bool        `json:"canAdvance"`
	ShouldRollback bool        `json:"shouldRollback"`
	NewVersion     Metrics     `json:"newVersionMetrics"`
	OldVersion     Metrics     `json:"oldVersionMetrics"`
	Issues         []Issue     `json:"issues,omitempty"`
	// AdvanceBlockers lists, in plain text, each criterion that kept
	// CanAdvance false. Empty when CanAdvance is true.
	AdvanceBlockers []string `json:"advanceBlockers,omitempty"`
}

// Evaluator pulls call outcomes for the new and old versions and classifies
// the new version's aggregates against a stage's Go/No-Go criteria. Old
// version metrics are carried through for side-by-side reporting only.
type Evaluator struct {
	source  MetricsSource
	catalog stage.Catalog

	window          time.Duration
	minAdvanceCalls int
	newVersion      string
	oldVersion      string

	logger *slog.Logger
	now    func() time.Time
}

// EvaluatorOptions tunes an Evaluator. Zero values fall back to defaults.
type EvaluatorOptions struct {
	// Window is the trailing window over which outcomes are aggregated.
	Window time.Duration
	// MinAdvanceCalls is the minimum new-version sample size required before
	// CanAdvance may be true.
	MinAdvanceCalls int
	// NewVersionTag and OldVersionTag identify the versions in the metrics source.
	NewVersionTag string
	OldVersionTag string
}

// NewEvaluator creates an Evaluator over the given metrics source and catalog.
func NewEvaluator(source MetricsSource, catalog stage.Catalog, opts EvaluatorOptions, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.MinAdvanceCalls <= 0 {
		opts.MinAdvanceCalls = 100
	}
	if opts.NewVersionTag == "" {
		opts.NewVersionTag = "new"
	}
	if opts.OldVersionTag == "" {
		opts.OldVersionTag = "old"
	}
	return &Evaluator{
		source:          source,
		catalog:         catalog,
		window:          opts.Window,
		minAdvanceCalls: opts.MinAdvanceCalls,
		newVersion:      opts.NewVersionTag,
		oldVersion:      opts.OldVersionTag,
		logger:          logger,
		now:             time.Now,
	}
}

// SetClock overrides the evaluator's clock (for testing).
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Check fetches outcomes for both versions and evaluates the new version
// against the criteria for the given stage. A metrics fetch failure is
// returned as an error, never as a "healthy" result, so callers keep their
// previous cached health.
func (e *Evaluator) Check(ctx context.Context, st stage.Stage, stageStartedAt time.Time) (*Result, error) {
	newOutcomes, err := e.source.QueryOutcomes(ctx, e.newVersion, e.window)
	if err != nil {
		return nil, fmt.Errorf("query outcomes for version %q: %w", e.newVersion, err)
	}
	oldOutcomes, err := e.source.QueryOutcomes(ctx, e.oldVersion, e.window)
	if err != nil {
		return nil, fmt.Errorf("query outcomes for version %q: %w", e.oldVersion, err)
	}

	newM := Aggregate(newOutcomes)
	oldM := Aggregate(oldOutcomes)

	if counter, ok := e.source.(InFlightCounter); ok {
		if n, err := counter.InFlightCalls(ctx, e.newVersion); err == nil {
			newM.InFlightCalls = n
		}
		if n, err := counter.InFlightCalls(ctx, e.oldVersion); err == nil {
			oldM.InFlightCalls = n
		}
	}

	result := Classify(e.catalog.ConfigFor(st), e.now(), stageStartedAt, e.minAdvanceCalls, newM, oldM)
	result.Stage = st

	e.logger.Debug("health check evaluated",
		"stage", string(st),
		"healthy", result.Healthy,
		"can_advance", result.CanAdvance,
		"should_rollback", result.ShouldRollback,
		"issues", len(result.Issues),
		"new_calls", newM.TotalCalls,
	)
	return result, nil
}

// Classify scores new-version metrics against a stage config. It is the pure
// core of the evaluator: Healthy means every Go criterion holds,
// ShouldRollback means at least one No-Go criterion is breached, and
// CanAdvance additionally requires the stage dwell time and a minimum sample
// size. Old-version metrics are attached for comparison and never gate the
// decision.
func Classify(cfg stage.Config, now time.Time, stageStartedAt time.Time, minCalls int, newM, oldM Metrics) *Result {
	result := &Result{
		Timestamp:  now,
		Healthy:    true,
		NewVersion: newM,
		OldVersion: oldM,
	}

	checks := []struct {
		typ     IssueType
		current float64
		goMax   float64
		noGoMax float64
		unit    string
		action  string
	}{
		{IssueErrorRate, newM.ErrorRate, cfg.Go.MaxErrorRate, cfg.NoGo.MaxErrorRate,
			"error rate", "investigate recent deploy errors and consider rolling back"},
		{IssueLatency, newM.P95LatencyMs, cfg.Go.MaxP95LatencyMs, cfg.NoGo.MaxP95LatencyMs,
			"p95 latency (ms)", "profile the new version's slow paths"},
		{IssueFailedCalls, newM.FailedCallsRate, cfg.Go.MaxFailedCallsRate, cfg.NoGo.MaxFailedCallsRate,
			"failed-calls rate", "check downstream availability and timeouts"},
		{IssueCircuitBreaker, float64(newM.CircuitBreakerOpens), float64(cfg.Go.MaxCircuitBreakerOpens), float64(cfg.NoGo.MaxCircuitBreakerOpens),
			"circuit breaker opens", "inspect circuit breaker trips on the new version"},
	}

	for _, c := range checks {
		if c.current <= c.goMax {
			continue
		}
		result.Healthy = false
		issue := Issue{
			Type:              c.typ,
			CurrentValue:      c.current,
			ThresholdValue:    c.goMax,
			RecommendedAction: c.action,
		}
		if c.current > c.noGoMax {
			issue.Severity = SeverityCritical
			issue.ThresholdValue = c.noGoMax
			issue.Message = fmt.Sprintf("%s %s exceeds no-go threshold %s",
				c.unit, formatValue(c.typ, c.current), formatValue(c.typ, c.noGoMax))
			issue.RecommendedAction = "roll back the new version"
			result.ShouldRollback = true
		} else {
			issue.Severity = SeverityWarning
			issue.Message = fmt.Sprintf("%s %s exceeds go threshold %s",
				c.unit, formatValue(c.typ, c.current), formatValue(c.typ, c.goMax))
		}
		result.Issues = append(result.Issues, issue)
	}

	for _, issue := range result.Issues {
		result.AdvanceBlockers = append(result.AdvanceBlockers, issue.Message)
	}
	elapsed := now.Sub(stageStartedAt)
	if elapsed < cfg.MinDuration {
		result.AdvanceBlockers = append(result.AdvanceBlockers,
			fmt.Sprintf("minimum stage duration %s not reached (elapsed %s)",
				cfg.MinDuration, elapsed.Round(time.Minute)))
	}
	if newM.TotalCalls < minCalls {
		result.AdvanceBlockers = append(result.AdvanceBlockers,
			fmt.Sprintf("insufficient traffic: %d calls observed, %d required",
				newM.TotalCalls, minCalls))
	}
	result.CanAdvance = len(result.AdvanceBlockers) == 0

	return result
}

// formatValue renders a metric value for issue messages: rates as percents,
// everything else as plain numbers.
func formatValue(typ IssueType, v float64) string {
	switch typ {
	case IssueErrorRate, IssueFailedCalls:
		return fmt.Sprintf("%.2f%%", v*100)
	case IssueCircuitBreaker:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprintf("%.1f", v)
	}
}
