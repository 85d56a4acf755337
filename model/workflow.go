package model

// WorkflowDefinition describes the ordered stages every application moves
// through. It is process-wide configuration, not per-application state.
type WorkflowDefinition struct {
	Name           string              `yaml:"name"            json:"name"`
	StageOrder     []string            `yaml:"stage_order"     json:"stage_order"`
	CriticalStages []string            `yaml:"critical_stages" json:"critical_stages"`
	Dependencies   map[string][]string `yaml:"dependencies"    json:"dependencies,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"checksum,omitempty"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Canonical stage names.
const (
	StageCustomerSubmission     = "Customer Submission"
	StageDocumentProcessing     = "Document Processing"
	StageKYCVerification        = "KYC Verification"
	StageHealthAssessment       = "Health Assessment"
	StageEmploymentVerification = "Employment Verification"
	StageFinancialEligibility   = "Financial Eligibility"
	StageFinalDecision          = "Final Decision"
)

// DefaultWorkflowDefinition returns the underwriting workflow used when no
// definition file is configured.
func DefaultWorkflowDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "underwriting",
		StageOrder: []string{
			StageCustomerSubmission,
			StageDocumentProcessing,
			StageKYCVerification,
			StageHealthAssessment,
			StageEmploymentVerification,
			StageFinancialEligibility,
			StageFinalDecision,
		},
		CriticalStages: []string{StageKYCVerification, StageFinalDecision},
		Dependencies: map[string][]string{
			StageCustomerSubmission:     {StageDocumentProcessing},
			StageDocumentProcessing:     {StageKYCVerification, StageHealthAssessment, StageEmploymentVerification},
			StageKYCVerification:        {StageFinancialEligibility},
			StageHealthAssessment:       {StageFinalDecision},
			StageEmploymentVerification: {StageFinancialEligibility},
			StageFinancialEligibility:   {StageFinalDecision},
		},
	}
}

// StageIndex returns the position of name in the stage order.
func (d WorkflowDefinition) StageIndex(name string) (int, bool) {
	for i, s := range d.StageOrder {
		if s == name {
			return i, true
		}
	}
	return 0, false
}

// DependentsOf returns the stages unlocked by completing name, in declared
// order. Unknown names have no dependents.
func (d WorkflowDefinition) DependentsOf(name string) []string {
	deps := d.Dependencies[name]
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// IsCritical reports whether name can never be completed manually.
func (d WorkflowDefinition) IsCritical(name string) bool {
	for _, s := range d.CriticalStages {
		if s == name {
			return true
		}
	}
	return false
}

// Stages returns a copy of the stage order.
func (d WorkflowDefinition) Stages() []string {
	out := make([]string, len(d.StageOrder))
	copy(out, d.StageOrder)
	return out
}

// Critical returns a copy of the critical stage list.
func (d WorkflowDefinition) Critical() []string {
	out := make([]string, len(d.CriticalStages))
	copy(out, d.CriticalStages)
	return out
}
