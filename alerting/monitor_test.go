package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/GoCodeAlone/rollout/engine"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	name        string
	status      *engine.Status
	statusErr   error
	result      *health.Result
	healthErr   error
	rollbacks   int
	rollbackErr error
	advances    int
	advanceErr  error
}

func (f *fakeController) Name() string { return f.name }

func (f *fakeController) GetStatus(context.Context) (*engine.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	return &s, nil
}

func (f *fakeController) CheckHealth(context.Context) (*health.Result, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	r := *f.result
	return &r, nil
}

func (f *fakeController) Advance(_ context.Context, _ engine.AdvanceCommand) (*engine.Status, error) {
	f.advances++
	if f.advanceErr != nil {
		return nil, f.advanceErr
	}
	next, ok := stage.Next(f.status.CurrentStage)
	if !ok {
		return nil, errors.New("already complete")
	}
	f.status.CurrentStage = next
	s := *f.status
	return &s, nil
}

func (f *fakeController) Rollback(_ context.Context, cmd engine.RollbackCommand) (*engine.Status, error) {
	f.rollbacks++
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	if cmd.Level != engine.RollbackTotal {
		return nil, errors.New("unexpected rollback level")
	}
	f.status.Enabled = false
	f.status.Percentage = 0
	f.status.CurrentStage = stage.Disabled
	s := *f.status
	return &s, nil
}

func activeStatus() *engine.Status {
	return &engine.Status{
		Name:         "checkout",
		CurrentStage: stage.Canary,
		Percentage:   5,
		Enabled:      true,
	}
}

func resultWithIssues(calls int, issues ...health.Issue) *health.Result {
	rollback := false
	for _, i := range issues {
		if i.Severity == health.SeverityCritical {
			rollback = true
		}
	}
	return &health.Result{
		Timestamp:      time.Now(),
		Stage:          stage.Canary,
		Healthy:        len(issues) == 0,
		ShouldRollback: rollback,
		NewVersion:     health.Metrics{TotalCalls: calls},
		Issues:         issues,
	}
}

func warningIssue() health.Issue {
	return health.Issue{
		Severity:       health.SeverityWarning,
		Type:           health.IssueErrorRate,
		Message:        "error rate 2.00% exceeds go threshold 1.00%",
		CurrentValue:   0.02,
		ThresholdValue: 0.01,
	}
}

func criticalIssue() health.Issue {
	return health.Issue{
		Severity:       health.SeverityCritical,
		Type:           health.IssueErrorRate,
		Message:        "error rate 10.00% exceeds no-go threshold 5.00%",
		CurrentValue:   0.10,
		ThresholdValue: 0.05,
	}
}

type testMonitor struct {
	*Monitor
	ctrl   *fakeController
	events *[]Event
	clock  *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T, cfg Config, ctrl *fakeController) *testMonitor {
	t.Helper()
	m := NewMonitor(cfg, ctrl, NewMemoryManager(0), NewMemoryStateStore(), testLogger())
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.SetClock(clock.now)
	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })
	return &testMonitor{Monitor: m, ctrl: ctrl, events: &events, clock: clock}
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.MinCallsForAlerts = 10
	return cfg
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestTickSkipsDisabledRollout(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: &engine.Status{Name: "checkout", CurrentStage: stage.Disabled}}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(*tm.events) != 0 {
		t.Errorf("events = %d, want none for disabled rollout", len(*tm.events))
	}
}

func TestTickSkipsOnInsufficientTraffic(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(5, criticalIssue())}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(*tm.events) != 0 {
		t.Errorf("events = %d, want none below the traffic minimum", len(*tm.events))
	}
	if ctrl.rollbacks != 0 {
		t.Error("rollback triggered below the traffic minimum")
	}
}

func TestTickHealthErrorKeepsWarningState(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)
	ctx := context.Background()

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ctrl.healthErr = errors.New("metrics backend down")
	if err := tm.Tick(ctx); err == nil {
		t.Fatal("Tick with failing health check should return an error")
	}

	st, err := tm.state.WarningState(ctx, "checkout")
	if err != nil {
		t.Fatalf("WarningState: %v", err)
	}
	if st.ConsecutiveWarnings != 1 {
		t.Errorf("consecutive warnings = %d, want 1 preserved across outage", st.ConsecutiveWarnings)
	}
}

func TestWarningEscalationByCount(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxConsecutiveWarnings = 3
	cfg.WarningEscalation = time.Hour
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, cfg, ctrl)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tm.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i+1, err)
		}
		tm.clock.advance(30 * time.Second)
	}

	warnings := eventsOfType(*tm.events, EventErrorRateSpike)
	if len(warnings) != 5 {
		t.Errorf("warning events = %d, want 5", len(warnings))
	}
	escalations := eventsOfType(*tm.events, EventWarningEscalation)
	if len(escalations) != 1 {
		t.Fatalf("escalation events = %d, want exactly 1", len(escalations))
	}
	ev := escalations[0]
	if ev.Severity != SeverityCritical {
		t.Errorf("escalation severity = %s, want critical", ev.Severity)
	}
	if ev.Details["escalated"] != true {
		t.Error("escalation details missing escalated flag")
	}
	if ev.Details["consecutiveWarnings"] != 3 {
		t.Errorf("escalation consecutiveWarnings = %v, want 3", ev.Details["consecutiveWarnings"])
	}
}

func TestWarningEscalationByDuration(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxConsecutiveWarnings = 100
	cfg.WarningEscalation = 10 * time.Minute
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, cfg, ctrl)
	ctx := context.Background()

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(eventsOfType(*tm.events, EventWarningEscalation)); n != 0 {
		t.Fatalf("escalated after first warning, want none")
	}

	tm.clock.advance(11 * time.Minute)
	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(eventsOfType(*tm.events, EventWarningEscalation)); n != 1 {
		t.Fatalf("escalation events = %d, want 1 after duration threshold", n)
	}
}

func TestWarningRunResetsOnCleanCheck(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxConsecutiveWarnings = 3
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, cfg, ctrl)
	ctx := context.Background()

	// Two warning ticks, then a clean one breaks the run.
	for i := 0; i < 2; i++ {
		if err := tm.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	ctrl.result = resultWithIssues(100)
	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("clean Tick: %v", err)
	}

	// Two more warning ticks must not escalate: the count restarted.
	ctrl.result = resultWithIssues(100, warningIssue())
	for i := 0; i < 2; i++ {
		if err := tm.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if n := len(eventsOfType(*tm.events, EventWarningEscalation)); n != 0 {
		t.Fatalf("escalation events = %d, want none after run reset", n)
	}
}

func TestAutoRollbackOnCritical(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, criticalIssue())}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)
	ctx := context.Background()

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", ctrl.rollbacks)
	}
	if n := len(eventsOfType(*tm.events, EventErrorRateSpike)); n != 1 {
		t.Errorf("critical issue events = %d, want 1", n)
	}
	rollbackEvents := eventsOfType(*tm.events, EventAutoRollback)
	if len(rollbackEvents) != 1 {
		t.Fatalf("auto rollback events = %d, want 1", len(rollbackEvents))
	}
	if rollbackEvents[0].Details["fromPercentage"] != 5.0 {
		t.Errorf("fromPercentage = %v, want 5", rollbackEvents[0].Details["fromPercentage"])
	}

	// The rollout is now disabled; the next tick does nothing.
	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick after rollback: %v", err)
	}
	if ctrl.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want still 1", ctrl.rollbacks)
	}
}

func TestAutoRollbackDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoRollbackOnCritical = false
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, criticalIssue())}
	tm := newTestMonitor(t, cfg, ctrl)

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.rollbacks != 0 {
		t.Errorf("rollbacks = %d, want 0 with auto rollback disabled", ctrl.rollbacks)
	}
	if n := len(eventsOfType(*tm.events, EventErrorRateSpike)); n != 1 {
		t.Errorf("critical events = %d, want the alert even without rollback", n)
	}
}

func TestRollbackFailureEmitsCriticalEvent(t *testing.T) {
	ctrl := &fakeController{
		name:        "checkout",
		status:      activeStatus(),
		result:      resultWithIssues(100, criticalIssue()),
		rollbackErr: errors.New("store unavailable"),
	}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	if err := tm.Tick(context.Background()); err == nil {
		t.Fatal("Tick should surface the rollback failure")
	}
	failed := eventsOfType(*tm.events, EventRollbackFailed)
	if len(failed) != 1 {
		t.Fatalf("rollback failed events = %d, want 1", len(failed))
	}
	if failed[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", failed[0].Severity)
	}
}

func TestSuppressionAfterRollback(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.SuppressionWindow = 30 * time.Minute
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, criticalIssue())}
	tm := newTestMonitor(t, cfg, ctrl)
	ctx := context.Background()

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	before := len(*tm.events)

	// The rollout is re-enabled but the suppression window still holds.
	ctrl.status = activeStatus()
	tm.clock.advance(10 * time.Minute)
	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("suppressed Tick: %v", err)
	}
	if len(*tm.events) != before {
		t.Errorf("events emitted during suppression window")
	}
	if ctrl.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1 during suppression", ctrl.rollbacks)
	}

	// After the window expires, alerting resumes.
	tm.clock.advance(25 * time.Minute)
	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("post-suppression Tick: %v", err)
	}
	if len(*tm.events) == before {
		t.Error("no events after suppression window expired")
	}
}

func TestManualRollbackStartsSuppression(t *testing.T) {
	cfg := defaultTestConfig()
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, cfg, ctrl)
	ctx := context.Background()

	tm.CreateRollbackAlert(ctx, engine.RollbackPartial, 25, 5, "ops", "latency regression")
	before := len(*tm.events)
	if before != 1 {
		t.Fatalf("events = %d, want the rollback alert itself", before)
	}

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(*tm.events) != before {
		t.Error("warning emitted inside manual rollback suppression window")
	}
}

func TestAutoAdvanceOnHealthyTick(t *testing.T) {
	status := activeStatus()
	status.AutoAdvance = true
	result := resultWithIssues(200)
	result.CanAdvance = true
	ctrl := &fakeController{name: "checkout", status: status, result: result}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)
	ctx := context.Background()

	if err := tm.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.advances != 1 {
		t.Fatalf("advances = %d, want 1", ctrl.advances)
	}
	adv := eventsOfType(*tm.events, EventStageAdvancement)
	if len(adv) != 1 {
		t.Fatalf("advancement events = %d, want 1", len(adv))
	}
	if adv[0].Details["toStage"] != string(stage.EarlyAdopters) {
		t.Errorf("toStage = %v, want early_adopters", adv[0].Details["toStage"])
	}
}

func TestNoAutoAdvanceWhenGateBlocks(t *testing.T) {
	status := activeStatus()
	status.AutoAdvance = true
	result := resultWithIssues(200)
	result.CanAdvance = false
	ctrl := &fakeController{name: "checkout", status: status, result: result}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.advances != 0 {
		t.Errorf("advances = %d, want 0 when the gate blocks", ctrl.advances)
	}
}

func TestNoAutoAdvanceWhenDisabled(t *testing.T) {
	result := resultWithIssues(200)
	result.CanAdvance = true
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: result}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.advances != 0 {
		t.Errorf("advances = %d, want 0 with auto-advance off", ctrl.advances)
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	var received int
	tm.Subscribe(func(Event) { panic("subscriber bug") })
	tm.Subscribe(func(Event) { received++ })

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if received == 0 {
		t.Error("later subscriber starved by a panicking one")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100, warningIssue())}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	var calls int
	unsub := tm.Subscribe(func(Event) { calls++ })
	unsub()
	unsub()

	if err := tm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if calls != 0 {
		t.Errorf("unsubscribed callback invoked %d times", calls)
	}
}

func TestGetRolloutAlertSummary(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100)}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)
	ctx := context.Background()

	tm.CreateStageAdvancementAlert(ctx, stage.Canary, stage.EarlyAdopters, "ops")
	tm.CreateRollbackAlert(ctx, engine.RollbackPartial, 10, 5, "ops", "latency")
	tm.emit(ctx, Event{
		Type:     EventWarningEscalation,
		Severity: SeverityCritical,
		Rollout:  "checkout",
		Message:  "sustained warnings",
	})

	got := tm.GetRolloutAlertSummary()
	want := Summary{Total: 3, Critical: 1, Warning: 1, Info: 1}
	if got != want {
		t.Errorf("summary = %+v, want %+v", got, want)
	}

	alerts := tm.GetRolloutAlerts()
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d, want 3", len(alerts))
	}
	for _, a := range alerts {
		if a.Labels["component"] != "rollout" || a.Labels["rollout"] != "checkout" {
			t.Errorf("alert %s missing rollout labels: %v", a.Type, a.Labels)
		}
	}
}

func TestStageBlockedAlert(t *testing.T) {
	ctrl := &fakeController{name: "checkout", status: activeStatus(), result: resultWithIssues(100)}
	tm := newTestMonitor(t, defaultTestConfig(), ctrl)

	tm.CreateStageBlockedAlert(context.Background(), stage.Canary, []string{"insufficient traffic: 10 calls observed, 100 required"})
	blocked := eventsOfType(*tm.events, EventStageBlocked)
	if len(blocked) != 1 {
		t.Fatalf("stage blocked events = %d, want 1", len(blocked))
	}
	if blocked[0].Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", blocked[0].Severity)
	}
}

func TestIssueEventTypes(t *testing.T) {
	cases := []struct {
		issue health.IssueType
		want  EventType
	}{
		{health.IssueErrorRate, EventErrorRateSpike},
		{health.IssueLatency, EventLatencySpike},
		{health.IssueCircuitBreaker, EventCircuitBreakerTriggered},
		{health.IssueFailedCalls, EventHealthDegradation},
		{health.IssueOther, EventHealthDegradation},
	}
	for _, tc := range cases {
		if got := issueEventType(tc.issue); got != tc.want {
			t.Errorf("issueEventType(%s) = %s, want %s", tc.issue, got, tc.want)
		}
	}
}
