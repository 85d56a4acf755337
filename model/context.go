package model

import (
	"context"
	"errors"
)

// RequestContext carries the operator identity and tracing information for
// the lifetime of an authenticated request. It is immutable after
// construction.
type RequestContext struct {
	SubjectID     string
	Email         string
	Name          string
	Roles         []string
	Claims        map[string]any
	Token         string
	CorrelationID string
	TraceID       string
}

// Validate checks that the mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Actor returns the most readable identifier for audit records.
func (rc *RequestContext) Actor() string {
	switch {
	case rc == nil:
		return "system"
	case rc.Name != "":
		return rc.Name
	case rc.Email != "":
		return rc.Email
	case rc.SubjectID != "":
		return rc.SubjectID
	default:
		return "unknown"
	}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
