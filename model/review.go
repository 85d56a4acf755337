package model

// ReviewAction is an operator decision on an application.
type ReviewAction string

const (
	ActionApprove     ReviewAction = "approve"
	ActionReject      ReviewAction = "reject"
	ActionRequestDocs ReviewAction = "request_docs"
	ActionEscalate    ReviewAction = "escalate"
)

// resultingStatus is the application status the platform assigns after
// each action.
var resultingStatus = map[ReviewAction]string{
	ActionApprove:     "approved",
	ActionReject:      "rejected",
	ActionRequestDocs: ClaimAskForDocument,
	ActionEscalate:    ClaimEscalateToSenior,
}

// Valid reports whether the action is one the platform accepts.
func (a ReviewAction) Valid() bool {
	_, ok := resultingStatus[a]
	return ok
}

// ResultingStatus returns the application status the action leads to.
func (a ReviewAction) ResultingStatus() string {
	return resultingStatus[a]
}

// ReviewRequest is the body of POST /agent/review.
type ReviewRequest struct {
	ApplicationID string       `json:"application_id"`
	Action        ReviewAction `json:"action"`
	Reason        string       `json:"reason"`
}

// StepCompletionRequest is the body of POST /agent/step/complete.
type StepCompletionRequest struct {
	ApplicationID string `json:"application_id"`
	StepID        int    `json:"step_id"`
	StepName      string `json:"step_name"`
	AdminNotes    string `json:"admin_notes"`
}

// Reviewer is a senior reviewer cases can be escalated to.
type Reviewer struct {
	Name       string `yaml:"name"       json:"name"`
	Role       string `yaml:"role"       json:"role"`
	Department string `yaml:"department" json:"department"`
	Email      string `yaml:"email"      json:"email,omitempty"`
}

// DocumentType is a document an operator can request from a customer.
type DocumentType struct {
	ID          string `yaml:"id"          json:"id"`
	Label       string `yaml:"label"       json:"label"`
	Description string `yaml:"description" json:"description,omitempty"`
}
