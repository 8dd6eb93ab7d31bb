package health

import (
	"context"
	"sort"
	"time"
)

// OutcomeStatus classifies how a tracked call ended.
type OutcomeStatus string

const (
	// OutcomeSuccess is a call that completed with a successful response.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeError is a call that completed with an error response.
	OutcomeError OutcomeStatus = "error"
	// OutcomeFailure is a call that never completed (timeout, transport failure).
	OutcomeFailure OutcomeStatus = "failure"
)

// CallOutcome is a single recorded call against a version.
type CallOutcome struct {
	Version     string        `json:"version"`
	Status      OutcomeStatus `json:"status"`
	LatencyMs   float64       `json:"latencyMs"`
	BreakerOpen bool          `json:"breakerOpen"`
	Timestamp   time.Time     `json:"timestamp"`
}

// MetricsSource queries recorded call outcomes for a version tag over a
// trailing window. Implementations live in the store package; the evaluator
// depends only on this interface.
type MetricsSource interface {
	QueryOutcomes(ctx context.Context, version string, window time.Duration) ([]CallOutcome, error)
}

// InFlightCounter is an optional extension of MetricsSource for backends that
// track calls still in progress.
type InFlightCounter interface {
	InFlightCalls(ctx context.Context, version string) (int, error)
}

// Metrics holds aggregate counters over a trailing window of call outcomes.
type Metrics struct {
	TotalCalls          int     `json:"totalCalls"`
	SuccessCalls        int     `json:"successCalls"`
	ErrorCalls          int     `json:"errorCalls"`
	FailedCalls         int     `json:"failedCalls"`
	ErrorRate           float64 `json:"errorRate"`
	FailedCallsRate     float64 `json:"failedCallsRate"`
	AvgLatencyMs        float64 `json:"avgLatencyMs"`
	P50LatencyMs        float64 `json:"p50LatencyMs"`
	P95LatencyMs        float64 `json:"p95LatencyMs"`
	P99LatencyMs        float64 `json:"p99LatencyMs"`
	CircuitBreakerOpens int     `json:"circuitBreakerOpens"`
	InFlightCalls       int     `json:"inFlightCalls"`
}

// Aggregate computes Metrics from a set of call outcomes. ErrorRate and
// FailedCallsRate are zero when there are no calls.
func Aggregate(outcomes []CallOutcome) Metrics {
	m := Metrics{TotalCalls: len(outcomes)}
	if len(outcomes) == 0 {
		return m
	}

	latencies := make([]float64, 0, len(outcomes))
	var sum float64
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeError:
			m.ErrorCalls++
		case OutcomeFailure:
			m.FailedCalls++
		default:
			m.SuccessCalls++
		}
		if o.BreakerOpen {
			m.CircuitBreakerOpens++
		}
		latencies = append(latencies, o.LatencyMs)
		sum += o.LatencyMs
	}

	total := float64(m.TotalCalls)
	m.ErrorRate = float64(m.ErrorCalls+m.FailedCalls) / total
	m.FailedCallsRate = float64(m.FailedCalls) / total
	m.AvgLatencyMs = sum / total

	sort.Float64s(latencies)
	m.P50LatencyMs = percentile(latencies, 50)
	m.P95LatencyMs = percentile(latencies, 95)
	m.P99LatencyMs = percentile(latencies, 99)

	return m
}

// percentile returns the p-th percentile of sorted values using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.9999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
