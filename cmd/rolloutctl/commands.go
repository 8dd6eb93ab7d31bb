package main

import (
	"flag"
	"fmt"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/rollout/alerting"
	"github.com/GoCodeAlone/rollout/engine"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/store"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var status engine.Status
	if err := newClient(*server).do(http.MethodGet, "/api/rollout/status", nil, &status); err != nil {
		return err
	}
	if *asJSON {
		return printJSON(status)
	}

	fmt.Printf("Rollout:    %s\n", status.Name)
	fmt.Printf("Stage:      %s\n", status.CurrentStage)
	fmt.Printf("Percentage: %.1f%%\n", status.Percentage)
	fmt.Printf("Enabled:    %v\n", status.Enabled)
	fmt.Printf("Since:      %s (by %s)\n", status.StageStartedAt.Format("2006-01-02 15:04:05 MST"), orDash(status.StageInitiatedBy))
	if len(status.EnabledTenants) > 0 {
		fmt.Printf("Enabled tenants:  %s\n", strings.Join(status.EnabledTenants, ", "))
	}
	if len(status.DisabledTenants) > 0 {
		fmt.Printf("Disabled tenants: %s\n", strings.Join(status.DisabledTenants, ", "))
	}
	if hc := status.LastHealthCheck; hc != nil {
		fmt.Printf("Last health check: healthy=%v canAdvance=%v issues=%d (%s)\n",
			hc.Healthy, hc.CanAdvance, len(hc.Issues), hc.Timestamp.Format("15:04:05"))
	}
	return nil
}

func runAdvance(args []string) error {
	fs := flag.NewFlagSet("advance", flag.ExitOnError)
	server := serverFlag(fs)
	toStage := fs.String("stage", "", "Target stage (default: next stage)")
	toPct := fs.Float64("percentage", -1, "Target percentage (alternative to --stage)")
	by := fs.String("by", "", "Operator initiating the advance")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	skip := fs.Bool("skip-health-check", false, "Advance even when the health gate would block (recorded in history)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := map[string]any{
		"initiatedBy":     *by,
		"reason":          *reason,
		"skipHealthCheck": *skip,
	}
	if *toStage != "" {
		body["targetStage"] = *toStage
	}
	if *toPct >= 0 {
		body["targetPercentage"] = *toPct
	}

	var status engine.Status
	if err := newClient(*server).do(http.MethodPost, "/api/rollout/advance", body, &status); err != nil {
		return err
	}
	fmt.Printf("Advanced to %s (%.1f%%)\n", status.CurrentStage, status.Percentage)
	return nil
}

func runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	server := serverFlag(fs)
	level := fs.String("level", "total", "Rollback scope: tenant, partial, or total")
	toPct := fs.Float64("percentage", -1, "Target percentage for a partial rollback")
	tenant := fs.String("tenant", "", "Tenant ID for a tenant rollback")
	by := fs.String("by", "", "Operator initiating the rollback")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := map[string]any{
		"level":       *level,
		"tenantId":    *tenant,
		"initiatedBy": *by,
		"reason":      *reason,
	}
	if *toPct >= 0 {
		body["targetPercentage"] = *toPct
	}

	var status engine.Status
	if err := newClient(*server).do(http.MethodPost, "/api/rollout/rollback", body, &status); err != nil {
		return err
	}
	fmt.Printf("Rolled back (%s): now %s (%.1f%%), enabled=%v\n", *level, status.CurrentStage, status.Percentage, status.Enabled)
	return nil
}

func runEnable(args []string) error  { return setEnabled(args, true) }
func runDisable(args []string) error { return setEnabled(args, false) }

func setEnabled(args []string, enabled bool) error {
	name := "enable"
	if !enabled {
		name = "disable"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := serverFlag(fs)
	by := fs.String("by", "", "Operator initiating the change")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := map[string]any{"enabled": enabled, "initiatedBy": *by, "reason": *reason}
	var status engine.Status
	if err := newClient(*server).do(http.MethodPost, "/api/rollout/enabled", body, &status); err != nil {
		return err
	}
	fmt.Printf("Rollout %sd: stage %s (%.1f%%)\n", name, status.CurrentStage, status.Percentage)
	return nil
}

func runPercentage(args []string) error {
	fs := flag.NewFlagSet("percentage", flag.ExitOnError)
	server := serverFlag(fs)
	by := fs.String("by", "", "Operator initiating the change")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: rolloutctl percentage [options] <value>\n\nSet the rollout percentage directly.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("percentage value is required")
	}
	var pct float64
	if _, err := fmt.Sscanf(fs.Arg(0), "%f", &pct); err != nil {
		return fmt.Errorf("invalid percentage %q", fs.Arg(0))
	}

	body := map[string]any{"percentage": pct, "initiatedBy": *by, "reason": *reason}
	var status engine.Status
	if err := newClient(*server).do(http.MethodPost, "/api/rollout/percentage", body, &status); err != nil {
		return err
	}
	fmt.Printf("Percentage set: stage %s (%.1f%%)\n", status.CurrentStage, status.Percentage)
	return nil
}

func runAutoAdvance(args []string) error {
	fs := flag.NewFlagSet("autoadvance", flag.ExitOnError)
	server := serverFlag(fs)
	by := fs.String("by", "", "Operator initiating the change")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: rolloutctl autoadvance [options] <on|off>\n\nToggle automatic stage advancement by the monitor.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("on or off is required")
	}
	var enabled bool
	switch fs.Arg(0) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("invalid value %q (want on or off)", fs.Arg(0))
	}

	body := map[string]any{"enabled": enabled, "initiatedBy": *by, "reason": *reason}
	var status engine.Status
	if err := newClient(*server).do(http.MethodPost, "/api/rollout/autoadvance", body, &status); err != nil {
		return err
	}
	fmt.Printf("Auto-advance %v\n", fs.Arg(0))
	return nil
}

func runTenant(args []string) error {
	fs := flag.NewFlagSet("tenant", flag.ExitOnError)
	server := serverFlag(fs)
	by := fs.String("by", "", "Operator initiating the change")
	reason := fs.String("reason", "", "Reason recorded in the audit history")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: rolloutctl tenant [options] <enable|disable|check> <tenant-id>\n\nManage per-tenant overrides.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return fmt.Errorf("action and tenant id are required")
	}
	action, tenantID := fs.Arg(0), fs.Arg(1)

	c := newClient(*server)
	switch action {
	case "enable", "disable":
		body := map[string]any{"tenantId": tenantID, "action": action, "initiatedBy": *by, "reason": *reason}
		var status engine.Status
		if err := c.do(http.MethodPost, "/api/rollout/tenants", body, &status); err != nil {
			return err
		}
		fmt.Printf("Tenant %s %sd\n", tenantID, action)
		return nil
	case "check":
		var result struct {
			TenantID       string `json:"tenantId"`
			UsesNewVersion bool   `json:"usesNewVersion"`
		}
		if err := c.do(http.MethodGet, "/api/rollout/tenants/"+tenantID, nil, &result); err != nil {
			return err
		}
		version := "old"
		if result.UsesNewVersion {
			version = "new"
		}
		fmt.Printf("Tenant %s uses the %s version\n", tenantID, version)
		return nil
	default:
		return fmt.Errorf("unknown tenant action %q (want enable, disable, or check)", action)
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	server := serverFlag(fs)
	limit := fs.Int("limit", 20, "Maximum entries to show")
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var result struct {
		Items []store.HistoryEntry `json:"items"`
		Total int                  `json:"total"`
	}
	path := fmt.Sprintf("/api/rollout/history?limit=%d", *limit)
	if err := newClient(*server).do(http.MethodGet, path, nil, &result); err != nil {
		return err
	}
	if *asJSON {
		return printJSON(result)
	}

	if result.Total == 0 {
		fmt.Println("No history entries")
		return nil
	}
	for _, e := range result.Items {
		fmt.Printf("%s  %-16s %s -> %s (%.1f%% -> %.1f%%)  by %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Action,
			e.FromStage, e.ToStage, e.FromPercentage, e.ToPercentage, orDash(e.InitiatedBy))
		if e.Reason != "" {
			fmt.Printf("  %q", e.Reason)
		}
		fmt.Println()
	}
	return nil
}

func runHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	server := serverFlag(fs)
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var res health.Result
	if err := newClient(*server).do(http.MethodGet, "/api/rollout/health", nil, &res); err != nil {
		return err
	}
	if *asJSON {
		return printJSON(res)
	}

	fmt.Printf("Stage:       %s\n", res.Stage)
	fmt.Printf("Healthy:     %v\n", res.Healthy)
	fmt.Printf("Can advance: %v\n", res.CanAdvance)
	fmt.Printf("New version: %d calls, error rate %.2f%%, p95 %.0fms\n",
		res.NewVersion.TotalCalls, res.NewVersion.ErrorRate*100, res.NewVersion.P95LatencyMs)
	for _, issue := range res.Issues {
		fmt.Printf("  [%s] %s\n", issue.Severity, issue.Message)
	}
	for _, blocker := range res.AdvanceBlockers {
		fmt.Printf("  blocker: %s\n", blocker)
	}
	return nil
}

func runAlerts(args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	server := serverFlag(fs)
	summary := fs.Bool("summary", false, "Show only per-severity counts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := newClient(*server)
	if *summary {
		var s alerting.Summary
		if err := c.do(http.MethodGet, "/api/rollout/alerts/summary", nil, &s); err != nil {
			return err
		}
		fmt.Printf("Total: %d  (critical: %d, warning: %d, info: %d)\n", s.Total, s.Critical, s.Warning, s.Info)
		return nil
	}

	var result struct {
		Items []alerting.ManagedAlert `json:"items"`
		Total int                     `json:"total"`
	}
	if err := c.do(http.MethodGet, "/api/rollout/alerts", nil, &result); err != nil {
		return err
	}
	if result.Total == 0 {
		fmt.Println("No active alerts")
		return nil
	}
	for _, a := range result.Items {
		fmt.Printf("%s  [%-8s] %-26s %s\n", a.Timestamp.Format("2006-01-02 15:04:05"), a.Severity, a.Type, a.Message)
	}
	return nil
}

func runOutcome(args []string) error {
	fs := flag.NewFlagSet("outcome", flag.ExitOnError)
	server := serverFlag(fs)
	version := fs.String("version", "new", "Version tag the call was served by")
	status := fs.String("status", "success", "Call outcome: success, error, or failure")
	latency := fs.Float64("latency", 0, "Call latency in milliseconds")
	breaker := fs.Bool("breaker-open", false, "Whether the circuit breaker opened during the call")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := map[string]any{
		"version":     *version,
		"status":      *status,
		"latencyMs":   *latency,
		"breakerOpen": *breaker,
	}
	if err := newClient(*server).do(http.MethodPost, "/api/outcomes", body, nil); err != nil {
		return err
	}
	fmt.Println("Outcome recorded")
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
