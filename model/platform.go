package model

import "context"

// Platform is the insurance platform API consumed by casedesk. It is the
// source of truth for automated step state.
type Platform interface {
	// GetApplication fetches one application by its application ID.
	GetApplication(ctx context.Context, applicationID string) (Application, error)

	// ListApplications fetches applications, filtered by status when status
	// is non-empty.
	ListApplications(ctx context.Context, status string) ([]Application, error)

	// ListClaims fetches the raw claim documents.
	ListClaims(ctx context.Context) ([]map[string]any, error)

	// SubmitReview submits an operator review action.
	SubmitReview(ctx context.Context, req ReviewRequest) error

	// CompleteStep manually completes a step and returns the updated
	// application.
	CompleteStep(ctx context.Context, req StepCompletionRequest) (Application, error)
}
