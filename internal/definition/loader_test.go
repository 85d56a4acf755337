package definition

import (
	"errors"
	"testing"

	"github.com/pitabwire/casedesk/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflow.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Name != "underwriting" {
		t.Errorf("Name = %q, want underwriting", def.Name)
	}
	if len(def.StageOrder) != 7 {
		t.Fatalf("StageOrder = %d entries, want 7", len(def.StageOrder))
	}
	if def.StageOrder[2] != model.StageKYCVerification {
		t.Errorf("StageOrder[2] = %q, want KYC Verification", def.StageOrder[2])
	}
	if len(def.CriticalStages) != 2 {
		t.Errorf("CriticalStages = %v, want 2 entries", def.CriticalStages)
	}
	if got := def.Dependencies[model.StageDocumentProcessing]; len(got) != 3 {
		t.Errorf("Dependencies[Document Processing] = %v, want 3 entries", got)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/workflow.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_matches_default(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/workflow.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	want := model.DefaultWorkflowDefinition()
	for i, s := range want.StageOrder {
		if def.StageOrder[i] != s {
			t.Errorf("StageOrder[%d] = %q, want %q", i, def.StageOrder[i], s)
		}
	}
	for src, deps := range want.Dependencies {
		got := def.Dependencies[src]
		if len(got) != len(deps) {
			t.Errorf("Dependencies[%s] = %v, want %v", src, got, deps)
		}
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_checksum_stable(t *testing.T) {
	l := NewLoader()
	a, _ := l.LoadFile("testdata/workflow.yaml")
	b, _ := l.LoadFile("testdata/workflow.yaml")
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %q vs %q", a.Checksum, b.Checksum)
	}
}

func TestLoader_LoadOrDefault_empty_path(t *testing.T) {
	def, err := NewLoader().LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault(\"\") error = %v", err)
	}
	if def.Name != "underwriting" {
		t.Errorf("Name = %q, want underwriting", def.Name)
	}
	if def.Checksum == "" {
		t.Error("default definition should carry a checksum")
	}
}

func TestLoader_LoadOrDefault_rejects_inconsistent(t *testing.T) {
	_, err := NewLoader().LoadOrDefault("testdata/inconsistent.yaml")
	if err == nil {
		t.Fatal("LoadOrDefault() with inconsistent definition should return error")
	}
	var verrs Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T, want Errors", err)
	}
	if len(verrs) == 0 {
		t.Error("expected validation errors")
	}
}
