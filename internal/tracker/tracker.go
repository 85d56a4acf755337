// Package tracker holds the authoritative step statuses of one application as
// last reported by the platform.
package tracker

import (
	"reflect"
	"sync"

	"github.com/pitabwire/casedesk/model"
)

// Definition is the subset of the workflow definition the tracker needs.
type Definition interface {
	IsCritical(name string) bool
}

// Tracker records the steps of one application. Platform snapshots are
// authoritative: nothing is inferred locally. It is safe for concurrent use.
type Tracker struct {
	def Definition

	mu       sync.RWMutex
	steps    []model.Step
	byName   map[string]int
	selected int
	hasSel   bool
	version  uint64
}

// New creates an empty tracker.
func New(def Definition) *Tracker {
	return &Tracker{def: def, byName: map[string]int{}}
}

// ApplyServerSnapshot replaces the tracked steps with steps and reports
// whether anything changed. The first non-empty snapshot selects the first
// in-progress step, or the last step when none is running; later snapshots
// keep the selection.
func (t *Tracker) ApplyServerSnapshot(steps []model.Step) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := !reflect.DeepEqual(t.steps, steps) && !(len(t.steps) == 0 && len(steps) == 0)
	if changed {
		t.steps = append([]model.Step(nil), steps...)
		t.byName = make(map[string]int, len(steps))
		for i, s := range t.steps {
			if _, dup := t.byName[s.Name]; !dup {
				t.byName[s.Name] = i
			}
		}
	}

	if !t.hasSel && len(t.steps) > 0 {
		t.selected = autoSelect(t.steps)
		t.hasSel = true
		changed = true
	}

	if changed {
		t.version++
	}
	return changed
}

func autoSelect(steps []model.Step) int {
	for _, s := range steps {
		if s.Status == model.StepInProgress {
			return s.ID
		}
	}
	return steps[len(steps)-1].ID
}

// StatusOf returns the reported status of the named step.
func (t *Tracker) StatusOf(name string) (model.StepStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byName[name]
	if !ok {
		return model.StepPending, false
	}
	return t.steps[i].Status, true
}

// Step returns the named step.
func (t *Tracker) Step(name string) (model.Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byName[name]
	if !ok {
		return model.Step{}, false
	}
	return t.steps[i], true
}

// IsCriticalIncomplete reports whether name is a critical stage that has not
// completed. A stage missing from the snapshot counts as not completed.
func (t *Tracker) IsCriticalIncomplete(name string) bool {
	if t.def == nil || !t.def.IsCritical(name) {
		return false
	}
	status, ok := t.StatusOf(name)
	return !ok || status != model.StepCompleted
}

// Steps returns a copy of the tracked steps in snapshot order.
func (t *Tracker) Steps() []model.Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.Step(nil), t.steps...)
}

// Selected returns the currently selected step.
func (t *Tracker) Selected() (model.Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasSel {
		return model.Step{}, false
	}
	for _, s := range t.steps {
		if s.ID == t.selected {
			return s, true
		}
	}
	return model.Step{}, false
}

// SelectedID returns the id of the selected step, or 0 when nothing has been
// selected yet.
func (t *Tracker) SelectedID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selected
}

// Select changes the selected step. It returns false when no tracked step has
// stepID.
func (t *Tracker) Select(stepID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.steps {
		if s.ID == stepID {
			if !t.hasSel || t.selected != stepID {
				t.selected = stepID
				t.hasSel = true
				t.version++
			}
			return true
		}
	}
	return false
}

// Version increases on every effective change.
func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Progress returns the number of completed steps and the total.
func (t *Tracker) Progress() (completed, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.steps {
		if s.Status == model.StepCompleted {
			completed++
		}
	}
	return completed, len(t.steps)
}
