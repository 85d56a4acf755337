// Package definition loads the workflow definition from YAML, validates it,
// and provides a registry with atomic pointer swap for hot reload.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/casedesk/model"
)

// Loader parses workflow definition files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads and parses a single YAML workflow definition. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes a workflow definition from raw YAML.
func (l *Loader) Parse(data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}

// LoadOrDefault loads path when it is set and falls back to the built-in
// underwriting workflow otherwise. The result is always validated.
func (l *Loader) LoadOrDefault(path string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if path == "" {
		def = model.DefaultWorkflowDefinition()
		def.Checksum = Checksum(def)
	} else {
		loaded, err := l.LoadFile(path)
		if err != nil {
			return model.WorkflowDefinition{}, err
		}
		def = loaded
	}

	if errs := NewValidator().Validate(def); len(errs) > 0 {
		return model.WorkflowDefinition{}, Errors(errs)
	}
	return def, nil
}

// Checksum computes a checksum for a definition that did not come from a file.
func Checksum(def model.WorkflowDefinition) string {
	data, err := yaml.Marshal(def)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
