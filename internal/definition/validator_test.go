package definition

import (
	"testing"

	"github.com/pitabwire/casedesk/model"
)

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_default_is_valid(t *testing.T) {
	errs := NewValidator().Validate(model.DefaultWorkflowDefinition())
	if len(errs) != 0 {
		t.Errorf("Validate(default) = %v, want no errors", errs)
	}
}

func TestValidator_empty_order(t *testing.T) {
	errs := NewValidator().Validate(model.WorkflowDefinition{})
	if !hasCode(errs, CodeEmptyOrder) {
		t.Errorf("Validate(empty) = %v, want EMPTY_ORDER", errs)
	}
}

func TestValidator_duplicate_stage(t *testing.T) {
	def := model.WorkflowDefinition{StageOrder: []string{"A", "B", "A"}}
	errs := NewValidator().Validate(def)
	if !hasCode(errs, CodeDuplicateStage) {
		t.Errorf("Validate() = %v, want DUPLICATE_STAGE", errs)
	}
	if errs[0].Path != "stage_order[2]" {
		t.Errorf("Path = %q, want stage_order[2]", errs[0].Path)
	}
}

func TestValidator_unknown_critical(t *testing.T) {
	def := model.WorkflowDefinition{
		StageOrder:     []string{"A", "B"},
		CriticalStages: []string{"C"},
	}
	errs := NewValidator().Validate(def)
	if len(errs) != 1 || errs[0].Code != CodeUnknownStage {
		t.Fatalf("Validate() = %v, want one UNKNOWN_STAGE", errs)
	}
	if errs[0].Path != "critical_stages[0]" {
		t.Errorf("Path = %q, want critical_stages[0]", errs[0].Path)
	}
}

func TestValidator_dependencies(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
		code string
	}{
		{"unknown source", map[string][]string{"Z": {"A"}}, CodeUnknownStage},
		{"unknown target", map[string][]string{"A": {"Z"}}, CodeUnknownStage},
		{"self", map[string][]string{"A": {"A"}}, CodeSelfDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := model.WorkflowDefinition{
				StageOrder:   []string{"A", "B"},
				Dependencies: tt.deps,
			}
			errs := NewValidator().Validate(def)
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_blank_stage_name(t *testing.T) {
	def := model.WorkflowDefinition{StageOrder: []string{"A", "  "}}
	errs := NewValidator().Validate(def)
	if !hasCode(errs, CodeUnknownStage) {
		t.Errorf("Validate() = %v, want UNKNOWN_STAGE for blank name", errs)
	}
}

func TestErrors_Error(t *testing.T) {
	errs := Errors{
		{Path: "stage_order", Code: CodeEmptyOrder, Message: "at least one stage is required"},
		{Path: "critical_stages[0]", Code: CodeUnknownStage, Message: "x"},
	}
	want := "invalid workflow definition: stage_order: at least one stage is required; critical_stages[0]: x"
	if errs.Error() != want {
		t.Errorf("Error() = %q, want %q", errs.Error(), want)
	}
}
