package alerting

import (
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/rollout/stage"
)

// EventType identifies what kind of rollout condition an event reports.
type EventType string

const (
	EventErrorRateSpike          EventType = "error_rate_spike"
	EventLatencySpike            EventType = "latency_spike"
	EventCircuitBreakerTriggered EventType = "circuit_breaker_triggered"
	EventHealthDegradation       EventType = "health_degradation"
	EventWarningEscalation       EventType = "warning_escalation"
	EventAutoRollback            EventType = "auto_rollback"
	EventRollbackFailed          EventType = "rollback_failed"
	EventStageAdvancement        EventType = "stage_advancement"
	EventManualRollback          EventType = "manual_rollback"
	EventStageBlocked            EventType = "stage_blocked"
)

// Severity is the urgency of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single rollout alert occurrence. Events flow to subscribers and
// to the AlertManager; Details carries type-specific context such as the
// offending metric values.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Rollout   string            `json:"rollout"`
	Stage     stage.Stage       `json:"stage,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]any    `json:"details,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Channels  []string          `json:"channels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
