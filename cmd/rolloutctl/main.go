package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"status":      runStatus,
	"advance":     runAdvance,
	"rollback":    runRollback,
	"enable":      runEnable,
	"disable":     runDisable,
	"percentage":  runPercentage,
	"autoadvance": runAutoAdvance,
	"tenant":      runTenant,
	"history":     runHistory,
	"health":      runHealth,
	"alerts":      runAlerts,
	"outcome":     runOutcome,
}

func usage() {
	fmt.Fprintf(os.Stderr, `rolloutctl - staged rollout CLI (version %s)

Usage:
  rolloutctl <command> [options]

Commands:
  status      Show the rollout's current stage, percentage, and overrides
  advance     Advance to the next stage, a named stage, or a percentage
  rollback    Roll back (tenant, partial, or total)
  enable      Enable the rollout at its stored percentage
  disable     Disable the rollout without losing its percentage
  percentage  Set the rollout percentage directly
  autoadvance Toggle automatic stage advancement (on|off)
  tenant      Manage per-tenant overrides (enable, disable, check)
  history     Show the audit history
  health      Run a health check against the current stage
  alerts      Show active alerts (use --summary for counts only)
  outcome     Record a call outcome for health evaluation

Run 'rolloutctl <command> -h' for command-specific help.
The server address defaults to http://localhost:8080 (override with --server or ROLLOUTCTL_SERVER).
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
