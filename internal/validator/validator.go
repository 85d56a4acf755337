// Package validator decides whether an operator may manually complete a
// workflow stage.
package validator

import (
	"fmt"
	"strings"

	"github.com/pitabwire/casedesk/model"
)

// Definition is the workflow lookup the validator consults.
type Definition interface {
	StageIndex(name string) (int, bool)
	IsCritical(name string) bool
	Stages() []string
	DependentsOf(name string) []string
}

// Snapshotter is implemented by definitions that can be replaced while a
// decision is being made. Validate reads such a definition once.
type Snapshotter interface {
	Snapshot() model.WorkflowDefinition
}

// StatusLookup returns the current status of a stage.
type StatusLookup interface {
	StatusOf(name string) (model.StepStatus, bool)
}

// Outcome classifies a manual completion attempt.
type Outcome string

// Outcomes.
const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeWarning  Outcome = "warning"
	OutcomeRejected Outcome = "rejected"
)

// UnknownStageAdvisory is attached to decisions for stages outside the
// standard order.
const UnknownStageAdvisory = "not in standard workflow order - proceed with caution"

// Decision is the result of Validate.
type Decision struct {
	Outcome    Outcome  `json:"outcome"`
	Stage      string   `json:"stage"`
	Incomplete []string `json:"incomplete,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
	Message    string   `json:"message,omitempty"`
	Advisory   string   `json:"advisory,omitempty"`
}

// NeedsConfirmation reports whether the operator must confirm an override.
func (d Decision) NeedsConfirmation() bool {
	return d.Outcome == OutcomeWarning
}

// Permitted reports whether completion may go ahead, possibly after
// confirmation.
func (d Decision) Permitted() bool {
	return d.Outcome != OutcomeRejected
}

// Err returns the error for a rejected decision, or nil.
func (d Decision) Err() error {
	if d.Outcome != OutcomeRejected {
		return nil
	}
	return model.NewCriticalStageError(d.Stage)
}

// Validate classifies a manual completion of target given the current step
// statuses. Critical stages are always rejected. Stages outside the order are
// allowed with an advisory. Otherwise every earlier stage must be completed or
// in progress, and the ones that are not are listed in stage order.
func Validate(def Definition, target string, snap StatusLookup) Decision {
	if s, ok := def.(Snapshotter); ok {
		def = s.Snapshot()
	}
	d := Decision{Stage: target, Dependents: def.DependentsOf(target)}

	if def.IsCritical(target) {
		d.Outcome = OutcomeRejected
		d.Message = fmt.Sprintf("%s is a critical step and cannot be manually completed", target)
		return d
	}

	if _, ok := def.StageIndex(target); !ok {
		d.Outcome = OutcomeAllowed
		d.Advisory = fmt.Sprintf("%s is %s", target, UnknownStageAdvisory)
		return d
	}

	for _, prior := range def.Stages() {
		if prior == target {
			break
		}
		status, found := snap.StatusOf(prior)
		if !found || !status.Satisfied() {
			d.Incomplete = append(d.Incomplete, prior)
		}
	}

	if len(d.Incomplete) > 0 {
		d.Outcome = OutcomeWarning
		d.Message = fmt.Sprintf("The following prerequisite steps are not completed: %s. Completing %s out of order requires confirmation.",
			strings.Join(d.Incomplete, ", "), target)
		return d
	}

	d.Outcome = OutcomeAllowed
	return d
}
