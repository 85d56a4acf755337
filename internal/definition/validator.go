package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/casedesk/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Errors is a list of validation errors usable as a single error.
type Errors []VError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid workflow definition: " + strings.Join(msgs, "; ")
}

// Validation error codes.
const (
	CodeEmptyOrder     = "EMPTY_ORDER"
	CodeDuplicateStage = "DUPLICATE_STAGE"
	CodeUnknownStage   = "UNKNOWN_STAGE"
	CodeSelfDependency = "SELF_DEPENDENCY"
)

// Validator checks a workflow definition for structural consistency.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in def, or nil.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if len(def.StageOrder) == 0 {
		errs = append(errs, VError{Path: "stage_order", Code: CodeEmptyOrder, Message: "at least one stage is required"})
	}

	known := make(map[string]bool, len(def.StageOrder))
	for i, s := range def.StageOrder {
		p := fmt.Sprintf("stage_order[%d]", i)
		if strings.TrimSpace(s) == "" {
			errs = append(errs, VError{Path: p, Code: CodeUnknownStage, Message: "stage name must not be empty"})
			continue
		}
		if known[s] {
			errs = append(errs, VError{Path: p, Code: CodeDuplicateStage, Message: fmt.Sprintf("stage %q appears more than once", s)})
		}
		known[s] = true
	}

	for i, s := range def.CriticalStages {
		if !known[s] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("critical_stages[%d]", i),
				Code:    CodeUnknownStage,
				Message: fmt.Sprintf("critical stage %q is not in stage_order", s),
			})
		}
	}

	// Map iteration order is random; sort for stable output.
	sources := make([]string, 0, len(def.Dependencies))
	for src := range def.Dependencies {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		p := fmt.Sprintf("dependencies[%s]", src)
		if !known[src] {
			errs = append(errs, VError{Path: p, Code: CodeUnknownStage, Message: fmt.Sprintf("dependency source %q is not in stage_order", src)})
		}
		for j, dst := range def.Dependencies[src] {
			dp := fmt.Sprintf("%s[%d]", p, j)
			if dst == src {
				errs = append(errs, VError{Path: dp, Code: CodeSelfDependency, Message: fmt.Sprintf("stage %q cannot depend on itself", src)})
				continue
			}
			if !known[dst] {
				errs = append(errs, VError{Path: dp, Code: CodeUnknownStage, Message: fmt.Sprintf("dependent stage %q is not in stage_order", dst)})
			}
		}
	}

	return errs
}
