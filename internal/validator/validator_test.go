package validator

import (
	"strings"
	"testing"

	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/model"
)

type snapshot map[string]model.StepStatus

func (s snapshot) StatusOf(name string) (model.StepStatus, bool) {
	st, ok := s[name]
	return st, ok
}

func abc(critical ...string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		StageOrder:     []string{"A", "B", "C"},
		CriticalStages: critical,
		Dependencies:   map[string][]string{"A": {"B"}, "B": {"C"}},
	}
}

// --- Scenarios ---

func TestValidate_scenario_critical_rejected(t *testing.T) {
	snap := snapshot{"A": model.StepCompleted, "B": model.StepPending, "C": model.StepPending}
	d := Validate(abc("B"), "B", snap)

	if d.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %q, want rejected", d.Outcome)
	}
	if d.Message != "B is a critical step and cannot be manually completed" {
		t.Errorf("Message = %q", d.Message)
	}
	if !model.HasCode(d.Err(), model.ErrCriticalStage) {
		t.Errorf("Err() = %v, want CRITICAL_STAGE", d.Err())
	}
	if d.Permitted() {
		t.Error("Permitted() = true for rejected decision")
	}
}

func TestValidate_scenario_warning_lists_incomplete(t *testing.T) {
	snap := snapshot{"A": model.StepPending, "B": model.StepPending, "C": model.StepPending}
	d := Validate(abc(), "C", snap)

	if d.Outcome != OutcomeWarning {
		t.Fatalf("Outcome = %q, want warning", d.Outcome)
	}
	if strings.Join(d.Incomplete, ",") != "A,B" {
		t.Errorf("Incomplete = %v, want [A B]", d.Incomplete)
	}
	if !d.NeedsConfirmation() || !d.Permitted() {
		t.Error("warning should need confirmation and stay permitted")
	}
	if d.Err() != nil {
		t.Errorf("Err() = %v, want nil", d.Err())
	}
}

func TestValidate_scenario_allowed(t *testing.T) {
	snap := snapshot{"A": model.StepCompleted, "B": model.StepInProgress, "C": model.StepPending}
	d := Validate(abc(), "C", snap)

	if d.Outcome != OutcomeAllowed {
		t.Fatalf("Outcome = %q, want allowed", d.Outcome)
	}
	if d.Advisory != "" || len(d.Incomplete) != 0 {
		t.Errorf("Decision = %+v, want plain allow", d)
	}
}

func TestValidate_scenario_unknown_stage_advisory(t *testing.T) {
	d := Validate(abc(), "Z", snapshot{})

	if d.Outcome != OutcomeAllowed {
		t.Fatalf("Outcome = %q, want allowed", d.Outcome)
	}
	if !strings.Contains(d.Advisory, "not in standard workflow order") {
		t.Errorf("Advisory = %q", d.Advisory)
	}
}

// --- Properties ---

func TestValidate_critical_always_rejected(t *testing.T) {
	def := model.DefaultWorkflowDefinition()
	snaps := []snapshot{
		{},
		{model.StageKYCVerification: model.StepCompleted, model.StageFinalDecision: model.StepCompleted},
		{model.StageCustomerSubmission: model.StepFailed},
	}
	for _, stage := range def.CriticalStages {
		for _, snap := range snaps {
			if d := Validate(def, stage, snap); d.Outcome != OutcomeRejected {
				t.Errorf("Validate(%q, %v) = %q, want rejected", stage, snap, d.Outcome)
			}
		}
	}
}

func TestValidate_critical_outside_order_still_rejected(t *testing.T) {
	def := model.WorkflowDefinition{StageOrder: []string{"A"}, CriticalStages: []string{"Z"}}
	if d := Validate(def, "Z", snapshot{}); d.Outcome != OutcomeRejected {
		t.Errorf("Outcome = %q, want rejected (critical check precedes order check)", d.Outcome)
	}
}

func TestValidate_absent_counts_as_incomplete(t *testing.T) {
	d := Validate(abc(), "C", snapshot{"B": model.StepCompleted})
	if d.Outcome != OutcomeWarning || strings.Join(d.Incomplete, ",") != "A" {
		t.Errorf("Decision = %+v, want warning listing A", d)
	}
}

func TestValidate_failed_counts_as_incomplete(t *testing.T) {
	d := Validate(abc(), "C", snapshot{"A": model.StepCompleted, "B": model.StepFailed})
	if d.Outcome != OutcomeWarning || strings.Join(d.Incomplete, ",") != "B" {
		t.Errorf("Decision = %+v, want warning listing B", d)
	}
}

func TestValidate_first_stage_always_allowed(t *testing.T) {
	d := Validate(abc(), "A", snapshot{})
	if d.Outcome != OutcomeAllowed {
		t.Errorf("Outcome = %q, want allowed", d.Outcome)
	}
}

func TestValidate_incomplete_in_stage_order(t *testing.T) {
	def := model.DefaultWorkflowDefinition()
	// Snapshot discovery order differs from stage order.
	snap := snapshot{
		model.StageEmploymentVerification: model.StepPending,
		model.StageCustomerSubmission:     model.StepCompleted,
		model.StageHealthAssessment:       model.StepFailed,
		model.StageDocumentProcessing:     model.StepPending,
		model.StageKYCVerification:        model.StepInProgress,
	}
	d := Validate(def, model.StageFinancialEligibility, snap)
	want := []string{model.StageDocumentProcessing, model.StageHealthAssessment, model.StageEmploymentVerification}
	if strings.Join(d.Incomplete, "|") != strings.Join(want, "|") {
		t.Errorf("Incomplete = %v, want %v", d.Incomplete, want)
	}
}

func TestValidate_dependents_informational(t *testing.T) {
	def := model.DefaultWorkflowDefinition()
	d := Validate(def, model.StageDocumentProcessing, snapshot{model.StageCustomerSubmission: model.StepCompleted})
	if d.Outcome != OutcomeAllowed {
		t.Fatalf("Outcome = %q, want allowed", d.Outcome)
	}
	if len(d.Dependents) != 3 {
		t.Errorf("Dependents = %v, want 3 stages", d.Dependents)
	}
}

// reloadingRegistry swaps in a one-stage definition as soon as the live
// definition has been read once, like a watcher reload landing mid-decision.
type reloadingRegistry struct {
	*definition.Registry
}

func (r reloadingRegistry) Snapshot() model.WorkflowDefinition {
	def := r.Registry.Snapshot()
	r.Replace(model.WorkflowDefinition{StageOrder: []string{"Intake"}})
	return def
}

func (r reloadingRegistry) StageIndex(name string) (int, bool) {
	i, ok := r.Registry.StageIndex(name)
	r.Replace(model.WorkflowDefinition{StageOrder: []string{"Intake"}})
	return i, ok
}

func TestValidate_reload_mid_decision_uses_one_definition(t *testing.T) {
	reg := reloadingRegistry{definition.NewRegistry(model.DefaultWorkflowDefinition())}
	snap := snapshot{
		model.StageCustomerSubmission:     model.StepCompleted,
		model.StageDocumentProcessing:     model.StepCompleted,
		model.StageKYCVerification:        model.StepCompleted,
		model.StageHealthAssessment:       model.StepPending,
		model.StageEmploymentVerification: model.StepCompleted,
	}

	d := Validate(reg, model.StageFinancialEligibility, snap)

	if d.Outcome != OutcomeWarning {
		t.Fatalf("Outcome = %q, want warning", d.Outcome)
	}
	if len(d.Incomplete) != 1 || d.Incomplete[0] != model.StageHealthAssessment {
		t.Errorf("Incomplete = %v, want [Health Assessment]", d.Incomplete)
	}
	if len(d.Dependents) != 1 || d.Dependents[0] != model.StageFinalDecision {
		t.Errorf("Dependents = %v, want [Final Decision]", d.Dependents)
	}
}

// shrinkingDefinition reports an index from a long order and then a short
// order, as a definition without snapshots can between calls.
type shrinkingDefinition struct {
	model.WorkflowDefinition
}

func (shrinkingDefinition) Stages() []string { return []string{"A"} }

func TestValidate_inconsistent_definition_does_not_panic(t *testing.T) {
	def := shrinkingDefinition{model.DefaultWorkflowDefinition()}

	d := Validate(def, model.StageFinancialEligibility, snapshot{})

	if d.Outcome != OutcomeWarning || len(d.Incomplete) != 1 || d.Incomplete[0] != "A" {
		t.Errorf("decision = %+v, want a warning over the stages returned", d)
	}
}
