package internal

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// TestGolangciLint runs golangci-lint over the whole module so lint
// regressions surface in the regular test run. Skipped when the tool is not
// installed.
func TestGolangciLint(t *testing.T) {
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH")
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	projectRoot := wd
	if filepath.Base(wd) == "internal" {
		projectRoot = filepath.Dir(wd)
	}

	cmd := exec.Command("golangci-lint", "run", "--allow-parallel-runners", "./...")
	cmd.Dir = projectRoot
	// Sandboxed runners may not have a writable default build cache.
	cmd.Env = append(os.Environ(), "GOCACHE="+t.TempDir())

	if output, err := cmd.CombinedOutput(); err != nil {
		t.Errorf("golangci-lint reported issues:\n%s", output)
	}
}
