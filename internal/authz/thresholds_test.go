package authz

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultThresholds(t *testing.T) {
	defaults := DefaultThresholds()
	if len(defaults.DestructivePatterns) == 0 {
		t.Fatal("expected built-in destructive patterns")
	}
	if len(defaults.SensitivePathPatterns) == 0 {
		t.Fatal("expected built-in sensitive path patterns")
	}
	if defaults.MaxFilesBeforeConfirmation <= 0 {
		t.Fatalf("max files threshold = %d, want > 0", defaults.MaxFilesBeforeConfirmation)
	}
}

func TestPolicyUpdatePartial(t *testing.T) {
	policy := NewPolicy(DefaultThresholds())
	before := policy.Current()

	maxFiles := 5
	patterns := []string{"shutdown -h"}
	policy.Update(ThresholdsUpdate{
		MaxFilesBeforeConfirmation: &maxFiles,
		DestructivePatterns:        &patterns,
	})

	after := policy.Current()
	if after.MaxFilesBeforeConfirmation != 5 {
		t.Fatalf("max files = %d, want 5", after.MaxFilesBeforeConfirmation)
	}
	if len(after.DestructivePatterns) != 1 || after.DestructivePatterns[0] != "shutdown -h" {
		t.Fatalf("destructive patterns = %v", after.DestructivePatterns)
	}
	// Untouched fields keep their previous values.
	if after.CPUWarningPercent != before.CPUWarningPercent {
		t.Fatalf("cpu warning changed: %v -> %v", before.CPUWarningPercent, after.CPUWarningPercent)
	}
	if len(after.SensitivePathPatterns) != len(before.SensitivePathPatterns) {
		t.Fatal("sensitive path patterns should be unchanged")
	}
}

func TestPolicyCurrentReturnsCopy(t *testing.T) {
	policy := NewPolicy(DefaultThresholds())
	snapshot := policy.Current()
	snapshot.DestructivePatterns[0] = "mutated"

	if policy.Current().DestructivePatterns[0] == "mutated" {
		t.Fatal("mutating a snapshot must not affect the live policy")
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := []byte("max_files_before_confirmation: 3\ndestructive_patterns:\n  - \"dd if=\"\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	current := policy.Current()
	if current.MaxFilesBeforeConfirmation != 3 {
		t.Fatalf("max files = %d, want 3", current.MaxFilesBeforeConfirmation)
	}
	if len(current.DestructivePatterns) != 1 || current.DestructivePatterns[0] != "dd if=" {
		t.Fatalf("destructive patterns = %v", current.DestructivePatterns)
	}
	// Fields absent from the file fall back to defaults.
	if len(current.SensitivePathPatterns) == 0 {
		t.Fatal("expected default sensitive path patterns")
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	if _, err := LoadPolicy("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected an error for a missing policy file")
	}
}

func TestLoadPolicyEmptyPathUsesDefaults(t *testing.T) {
	policy, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.Current().MaxFilesBeforeConfirmation != DefaultThresholds().MaxFilesBeforeConfirmation {
		t.Fatal("empty path should yield the default policy")
	}
}
