package stage

import "time"

// Stage identifies a rollout milestone. Stages form a fixed total order from
// Disabled through Complete; Next and Previous walk that order with no
// wraparound.
type Stage string

const (
	Disabled      Stage = "disabled"
	Canary        Stage = "canary"
	EarlyAdopters Stage = "early_adopters"
	Expansion     Stage = "expansion"
	Majority      Stage = "majority"
	Complete      Stage = "complete"
)

// order lists all stages in rollout order.
var order = []Stage{Disabled, Canary, EarlyAdopters, Expansion, Majority, Complete}

// Order returns the stages in rollout order. The returned slice is a copy.
func Order() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// Valid reports whether s is one of the six known stages.
func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s, or false when s is Complete or unknown.
func Next(s Stage) (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// Previous returns the stage before s, or false when s is Disabled or unknown.
func Previous(s Stage) (Stage, bool) {
	i := s.index()
	if i <= 0 {
		return "", false
	}
	return order[i-1], true
}

// Before reports whether s comes strictly before other in the rollout order.
func (s Stage) Before(other Stage) bool {
	return s.index() < other.index()
}

// Criteria is a threshold set over the new version's metrics. A Go set must
// hold for advancement; breaching a No-Go set mandates rollback.
type Criteria struct {
	MaxErrorRate           float64 `json:"maxErrorRate" yaml:"max_error_rate"`
	MaxP95LatencyMs        float64 `json:"maxP95LatencyMs" yaml:"max_p95_latency_ms"`
	MaxFailedCallsRate     float64 `json:"maxFailedCallsRate" yaml:"max_failed_calls_rate"`
	MaxCircuitBreakerOpens int     `json:"maxCircuitBreakerOpens" yaml:"max_circuit_breaker_opens"`
}

// Config holds the immutable per-stage rollout parameters.
type Config struct {
	Percentage         float64       `json:"percentage"`
	MinDuration        time.Duration `json:"minDuration"`
	MonitoringInterval time.Duration `json:"monitoringInterval"`
	Go                 Criteria      `json:"goCriteria"`
	NoGo               Criteria      `json:"noGoCriteria"`
}

// Catalog maps each stage to its configuration. Lookups are total over the
// six-stage domain; unknown stages resolve to the Disabled config.
type Catalog map[Stage]Config

// DefaultCatalog returns the built-in stage table. Percentages are
// non-decreasing along the stage order and every No-Go threshold is at least
// its Go counterpart.
func DefaultCatalog() Catalog {
	return Catalog{
		Disabled: {
			Percentage: 0,
		},
		Canary: {
			Percentage:         5,
			MinDuration:        24 * time.Hour,
			MonitoringInterval: 5 * time.Minute,
			Go:                 Criteria{MaxErrorRate: 0.01, MaxP95LatencyMs: 500, MaxFailedCallsRate: 0.02, MaxCircuitBreakerOpens: 1},
			NoGo:               Criteria{MaxErrorRate: 0.05, MaxP95LatencyMs: 1000, MaxFailedCallsRate: 0.05, MaxCircuitBreakerOpens: 3},
		},
		EarlyAdopters: {
			Percentage:         10,
			MinDuration:        24 * time.Hour,
			MonitoringInterval: 10 * time.Minute,
			Go:                 Criteria{MaxErrorRate: 0.01, MaxP95LatencyMs: 500, MaxFailedCallsRate: 0.02, MaxCircuitBreakerOpens: 2},
			NoGo:               Criteria{MaxErrorRate: 0.05, MaxP95LatencyMs: 1200, MaxFailedCallsRate: 0.06, MaxCircuitBreakerOpens: 5},
		},
		Expansion: {
			Percentage:         25,
			MinDuration:        48 * time.Hour,
			MonitoringInterval: 15 * time.Minute,
			Go:                 Criteria{MaxErrorRate: 0.02, MaxP95LatencyMs: 600, MaxFailedCallsRate: 0.03, MaxCircuitBreakerOpens: 3},
			NoGo:               Criteria{MaxErrorRate: 0.06, MaxP95LatencyMs: 1500, MaxFailedCallsRate: 0.08, MaxCircuitBreakerOpens: 8},
		},
		Majority: {
			Percentage:         50,
			MinDuration:        72 * time.Hour,
			MonitoringInterval: 30 * time.Minute,
			Go:                 Criteria{MaxErrorRate: 0.02, MaxP95LatencyMs: 600, MaxFailedCallsRate: 0.03, MaxCircuitBreakerOpens: 5},
			NoGo:               Criteria{MaxErrorRate: 0.08, MaxP95LatencyMs: 2000, MaxFailedCallsRate: 0.10, MaxCircuitBreakerOpens: 10},
		},
		Complete: {
			Percentage:         100,
			MonitoringInterval: time.Hour,
			Go:                 Criteria{MaxErrorRate: 0.05, MaxP95LatencyMs: 1000, MaxFailedCallsRate: 0.05, MaxCircuitBreakerOpens: 10},
			NoGo:               Criteria{MaxErrorRate: 0.10, MaxP95LatencyMs: 3000, MaxFailedCallsRate: 0.15, MaxCircuitBreakerOpens: 20},
		},
	}
}

// ConfigFor returns the configuration for the given stage. Unknown stages
// return the Disabled config so the lookup is always total.
func (c Catalog) ConfigFor(s Stage) Config {
	if cfg, ok := c[s]; ok {
		return cfg
	}
	return c[Disabled]
}

// PercentageFor returns the target percentage for the given stage.
func (c Catalog) PercentageFor(s Stage) float64 {
	return c.ConfigFor(s).Percentage
}

// ForPercentage derives the stage from an effective percentage and enabled
// flag. This is the single canonical percentage-to-stage mapping; stage is
// never stored independently, so the two cannot silently disagree.
func ForPercentage(percentage float64, enabled bool) Stage {
	if !enabled {
		return Disabled
	}
	switch {
	case percentage >= 100:
		return Complete
	case percentage >= 50:
		return Majority
	case percentage >= 25:
		return Expansion
	case percentage >= 10:
		return EarlyAdopters
	case percentage > 0:
		return Canary
	default:
		return Disabled
	}
}
