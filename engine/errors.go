package engine

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/stage"
)

// ValidationError rejects a command before any write: bad target stage or
// percentage, conflicting override lists, missing fields.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid rollout command: " + e.Detail
}

// AdvanceBlockedError is returned when the health gate rejects an advance.
// It carries the full health result plus the specific unmet criteria so
// callers can render actionable text instead of an opaque failure.
type AdvanceBlockedError struct {
	Stage  stage.Stage
	Result *health.Result
}

func (e *AdvanceBlockedError) Error() string {
	return fmt.Sprintf("advance from %s blocked: %s",
		e.Stage, strings.Join(e.Result.AdvanceBlockers, "; "))
}
