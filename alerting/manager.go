package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ManagedAlert is an Event tracked by an AlertManager, with an
// acknowledgement lifecycle.
type ManagedAlert struct {
	Event
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// AlertManager stores raised alerts and exposes the active set. Production
// deployments can implement this against an external paging system; the
// in-memory manager is the default.
type AlertManager interface {
	Raise(ctx context.Context, ev Event) error
	ActiveAlerts() []ManagedAlert
	Acknowledge(id string) error
	Resolve(id string) error
}

// Summary counts active alerts by severity.
type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// MemoryManager keeps alerts in memory with a bounded backlog. Oldest alerts
// are dropped once the limit is exceeded.
type MemoryManager struct {
	mu        sync.RWMutex
	alerts    []ManagedAlert
	maxAlerts int
}

const defaultMaxAlerts = 1000

// NewMemoryManager creates a MemoryManager. A non-positive maxAlerts selects
// the default backlog size.
func NewMemoryManager(maxAlerts int) *MemoryManager {
	if maxAlerts <= 0 {
		maxAlerts = defaultMaxAlerts
	}
	return &MemoryManager{maxAlerts: maxAlerts}
}

func (m *MemoryManager) Raise(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, ManagedAlert{Event: ev})
	if len(m.alerts) > m.maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.maxAlerts:]
	}
	return nil
}

// ActiveAlerts returns all unresolved alerts, oldest first.
func (m *MemoryManager) ActiveAlerts() []ManagedAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ManagedAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryManager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID.String() == id {
			now := time.Now().UTC()
			m.alerts[i].AcknowledgedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %q not found", id)
}

func (m *MemoryManager) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID.String() == id {
			now := time.Now().UTC()
			m.alerts[i].ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %q not found", id)
}

// NoopManager discards all alerts. Useful when only subscribers are wanted.
type NoopManager struct{}

func (NoopManager) Raise(context.Context, Event) error { return nil }
func (NoopManager) ActiveAlerts() []ManagedAlert       { return nil }
func (NoopManager) Acknowledge(string) error           { return nil }
func (NoopManager) Resolve(string) error               { return nil }
