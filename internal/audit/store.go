// Package audit keeps the local, append-only record of operator actions.
package audit

import (
	"context"

	"github.com/pitabwire/casedesk/model"
)

// Audit actions.
const (
	ActionCompletionCompleted = "completion.completed"
	ActionCompletionOverride  = "completion.override"
	ActionCompletionRejected  = "completion.rejected"
	ActionCompletionFailed    = "completion.failed"
	ActionReviewPrefix        = "review."
)

// Store persists audit entries.
type Store interface {
	// Append records an entry. Entries are never updated or removed.
	Append(ctx context.Context, entry model.AuditEntry) error

	// List returns the entries of an application ordered by timestamp.
	List(ctx context.Context, applicationID string) ([]model.AuditEntry, error)
}
