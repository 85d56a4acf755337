package definition

import (
	"sync/atomic"

	"github.com/pitabwire/casedesk/model"
)

// snapshot is an immutable workflow definition with precomputed lookups.
type snapshot struct {
	def      model.WorkflowDefinition
	index    map[string]int
	critical map[string]bool
}

// Registry is a read-optimized, thread-safe holder of the live workflow
// definition. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding def.
func NewRegistry(def model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(def)
	return r
}

// Replace atomically swaps the registry contents for def.
func (r *Registry) Replace(def model.WorkflowDefinition) {
	s := &snapshot{
		def:      cloneDefinition(def),
		index:    make(map[string]int, len(def.StageOrder)),
		critical: make(map[string]bool, len(def.CriticalStages)),
	}
	for i, name := range def.StageOrder {
		if _, dup := s.index[name]; !dup {
			s.index[name] = i
		}
	}
	for _, name := range def.CriticalStages {
		s.critical[name] = true
	}
	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Current returns a copy of the live definition.
func (r *Registry) Current() *model.WorkflowDefinition {
	def := cloneDefinition(r.current().def)
	return &def
}

// Snapshot returns a copy of the live definition that later reloads do not
// affect.
func (r *Registry) Snapshot() model.WorkflowDefinition {
	return cloneDefinition(r.current().def)
}

// StageIndex returns the position of name in the stage order.
func (r *Registry) StageIndex(name string) (int, bool) {
	i, ok := r.current().index[name]
	return i, ok
}

// DependentsOf returns the stages unlocked by completing name.
func (r *Registry) DependentsOf(name string) []string {
	return r.current().def.DependentsOf(name)
}

// IsCritical reports whether name can never be completed manually.
func (r *Registry) IsCritical(name string) bool {
	return r.current().critical[name]
}

// Stages returns the stage order.
func (r *Registry) Stages() []string {
	return r.current().def.Stages()
}

// Critical returns the critical stages.
func (r *Registry) Critical() []string {
	return r.current().def.Critical()
}

// Checksum returns the checksum of the live definition.
func (r *Registry) Checksum() string {
	return r.current().def.Checksum
}

func cloneDefinition(def model.WorkflowDefinition) model.WorkflowDefinition {
	out := def
	out.StageOrder = def.Stages()
	out.CriticalStages = def.Critical()
	if def.Dependencies != nil {
		out.Dependencies = make(map[string][]string, len(def.Dependencies))
		for k, v := range def.Dependencies {
			out.Dependencies[k] = append([]string(nil), v...)
		}
	}
	return out
}
