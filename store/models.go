package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

// RolloutRecord is the persisted rollout flag: the single source of truth for
// a rollout's state. The stage is never stored; it is always derived from
// Percentage and Enabled via stage.ForPercentage.
type RolloutRecord struct {
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	Percentage       float64           `json:"percentage"`
	EnabledTenants   []string          `json:"enabledTenants,omitempty"`
	DisabledTenants  []string          `json:"disabledTenants,omitempty"`
	StageStartedAt   time.Time         `json:"stageStartedAt"`
	StageInitiatedBy string            `json:"stageInitiatedBy,omitempty"`
	AutoAdvance      bool              `json:"autoAdvance"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *RolloutRecord) Clone() *RolloutRecord {
	out := *r
	out.EnabledTenants = append([]string(nil), r.EnabledTenants...)
	out.DisabledTenants = append([]string(nil), r.DisabledTenants...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// HistoryAction names a rollout state transition in the audit history.
type HistoryAction string

const (
	ActionAdvance         HistoryAction = "advance"
	ActionRollbackPartial HistoryAction = "rollback_partial"
	ActionRollbackTotal   HistoryAction = "rollback_total"
	ActionRollbackTenant  HistoryAction = "rollback_tenant"
	ActionEnableTenant    HistoryAction = "enable_tenant"
	ActionDisableTenant   HistoryAction = "disable_tenant"
	ActionSetPercentage   HistoryAction = "set_percentage"
	ActionSetAutoAdvance  HistoryAction = "set_auto_advance"
	ActionEnable          HistoryAction = "enable"
	ActionDisable         HistoryAction = "disable"
)

// HistoryEntry is an immutable audit record of one rollout state transition.
// Entries are append-only and listed newest first.
type HistoryEntry struct {
	ID             uuid.UUID       `json:"id"`
	Rollout        string          `json:"rollout"`
	Timestamp      time.Time       `json:"timestamp"`
	Action         HistoryAction   `json:"action"`
	FromStage      stage.Stage     `json:"fromStage"`
	ToStage        stage.Stage     `json:"toStage"`
	FromPercentage float64         `json:"fromPercentage"`
	ToPercentage   float64         `json:"toPercentage"`
	InitiatedBy    string          `json:"initiatedBy,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Metrics        *health.Metrics `json:"metrics,omitempty"`
}
