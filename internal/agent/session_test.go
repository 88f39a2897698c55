package agent

import (
	"os"
	"strings"
	"testing"
)

func TestDirSessionManager(t *testing.T) {
	root := t.TempDir()
	m := NewDirSessionManager(root)

	dir, handle, err := m.Spawn("builder")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !strings.HasPrefix(dir, root) {
		t.Errorf("working directory %q is outside the root %q", dir, root)
	}
	if !strings.Contains(dir, "builder-") {
		t.Errorf("working directory %q does not carry the agent id", dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("working directory not created: %v", err)
	}

	// Distinct spawns for the same id get distinct directories.
	dir2, handle2, err := m.Spawn("builder")
	if err != nil {
		t.Fatalf("second Spawn failed: %v", err)
	}
	if dir2 == dir || handle2 == handle {
		t.Errorf("spawns collided: %q/%q vs %q/%q", dir, handle, dir2, handle2)
	}

	if err := m.Kill(handle); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if err := m.Kill(handle); err == nil {
		t.Error("double Kill accepted")
	}
	// The directory survives for post-mortem inspection.
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("working directory removed on Kill: %v", err)
	}
}
