package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/casedesk/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultRoles is the policy used when no policy file is configured.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"viewer": {model.CapCasesView, model.CapClaimsView},
		"underwriter": {
			model.CapCasesView, model.CapClaimsView,
			model.CapStepsComplete, model.CapCasesReview,
		},
		"senior_underwriter": {
			model.CapCasesView, model.CapClaimsView,
			model.CapStepsComplete, model.CapStepsOverride,
			model.CapCasesReview, model.CapCasesEscalate,
		},
		"admin": {"*"},
	}
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from
// path. An empty path uses DefaultRoles.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the configured role names.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.policy.Roles))
	for role := range e.policy.Roles {
		out = append(out, role)
	}
	return out
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = policyFile{Roles: DefaultRoles()}
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
