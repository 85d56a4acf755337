package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepStatus is the normalized status of a single workflow step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepInProgress
	StepCompleted
	StepFailed
)

// String returns the canonical wire spelling used by the platform.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepInProgress:
		return "in_progress"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Satisfied reports whether the status counts as a met prerequisite for a
// later stage.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepInProgress
}

// stepStatusAliases maps normalized spellings to statuses. Keys are
// lowercased with '-' and ' ' folded to '_'.
var stepStatusAliases = map[string]StepStatus{
	"pending":     StepPending,
	"queued":      StepPending,
	"waiting":     StepPending,
	"not_started": StepPending,
	"in_progress": StepInProgress,
	"inprogress":  StepInProgress,
	"running":     StepInProgress,
	"processing":  StepInProgress,
	"active":      StepInProgress,
	"completed":   StepCompleted,
	"complete":    StepCompleted,
	"done":        StepCompleted,
	"success":     StepCompleted,
	"failed":      StepFailed,
	"failure":     StepFailed,
	"error":       StepFailed,
}

// ParseStepStatus normalizes an external status string. Unknown values
// return StepPending and false.
func ParseStepStatus(raw string) (StepStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	s, ok := stepStatusAliases[key]
	if !ok {
		return StepPending, false
	}
	return s, true
}

// MarshalJSON encodes the canonical spelling.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts any known spelling. Unknown strings decode as
// pending so a drifting backend never breaks rendering.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("step status: %w", err)
	}
	*s, _ = ParseStepStatus(raw)
	return nil
}
