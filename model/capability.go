package model

import "strings"

// Capabilities checked by the console API.
const (
	CapCasesView     = "cases:view"
	CapCasesReview   = "cases:review"
	CapCasesEscalate = "cases:escalate"
	CapStepsComplete = "steps:complete"
	CapStepsOverride = "steps:override"
	CapClaimsView    = "claims:view"
)

// CapabilitySet is a set of capabilities granted to an operator. Keys may end
// in a wildcard (e.g. "cases:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern matches cap.
//
//	"*"       matches anything
//	"cases:*" matches "cases:view"
//	"cases"   does NOT match "cases:view"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID string)
}

// PolicyEvaluator maps an operator's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	Sync() error
}
