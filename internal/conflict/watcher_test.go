package conflict

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_DetectsOverlap(t *testing.T) {
	w, err := NewWatcher(nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	ws1 := t.TempDir()
	ws2 := t.TempDir()
	if err := w.AddWorkspace("s1", ws1); err != nil {
		t.Fatal(err)
	}
	if err := w.AddWorkspace("s2", ws2); err != nil {
		t.Fatal(err)
	}

	// The same relative path modified in both workspaces is an overlap.
	os.WriteFile(filepath.Join(ws1, "main.go"), []byte("package main"), 0644)
	os.WriteFile(filepath.Join(ws2, "main.go"), []byte("package main // v2"), 0644)

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(w.Overlaps()) == 1
	})
	if !ok {
		t.Fatalf("Overlaps() = %+v, want one entry", w.Overlaps())
	}

	overlap := w.Overlaps()[0]
	if overlap.RelativePath != "main.go" {
		t.Errorf("RelativePath = %q", overlap.RelativePath)
	}
	if len(overlap.Sessions) != 2 {
		t.Errorf("Sessions = %v", overlap.Sessions)
	}
}

func TestWatcher_SingleSessionIsNotOverlap(t *testing.T) {
	w, err := NewWatcher(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	ws := t.TempDir()
	w.AddWorkspace("s1", ws)

	os.WriteFile(filepath.Join(ws, "solo.go"), []byte("package solo"), 0644)

	// Give events time to flow, then confirm nothing is reported.
	time.Sleep(300 * time.Millisecond)
	if got := w.Overlaps(); len(got) != 0 {
		t.Errorf("Overlaps() = %+v, want none", got)
	}
}

func TestWatcher_GlobFilter(t *testing.T) {
	w, err := NewWatcher([]string{"*.go"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	ws1 := t.TempDir()
	ws2 := t.TempDir()
	w.AddWorkspace("s1", ws1)
	w.AddWorkspace("s2", ws2)

	// Markdown edits fall outside the filter and never count.
	os.WriteFile(filepath.Join(ws1, "README.md"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(ws2, "README.md"), []byte("b"), 0644)

	time.Sleep(300 * time.Millisecond)
	if got := w.Overlaps(); len(got) != 0 {
		t.Errorf("Overlaps() = %+v, want none for filtered files", got)
	}
}

func TestWatcher_RemoveWorkspaceDropsTouches(t *testing.T) {
	w, err := NewWatcher(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	ws1 := t.TempDir()
	ws2 := t.TempDir()
	w.AddWorkspace("s1", ws1)
	w.AddWorkspace("s2", ws2)

	os.WriteFile(filepath.Join(ws1, "x.go"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(ws2, "x.go"), []byte("y"), 0644)

	if !waitFor(t, 2*time.Second, func() bool { return len(w.Overlaps()) == 1 }) {
		t.Fatal("overlap never appeared")
	}

	w.RemoveWorkspace("s2")
	if got := w.Overlaps(); len(got) != 0 {
		t.Errorf("Overlaps() after removal = %+v, want none", got)
	}
}

func TestWatcher_ClearOld(t *testing.T) {
	w, err := NewWatcher(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.Start()

	// Seed touch records directly; the loop is not under test here.
	w.mu.Lock()
	old := time.Now().Add(-time.Hour)
	w.touches["stale.go"] = map[string]time.Time{"s1": old, "s2": old}
	w.touches["fresh.go"] = map[string]time.Time{"s1": time.Now(), "s2": time.Now()}
	w.mu.Unlock()

	w.ClearOld(10 * time.Minute)

	overlaps := w.Overlaps()
	if len(overlaps) != 1 || overlaps[0].RelativePath != "fresh.go" {
		t.Errorf("Overlaps() = %+v, want only fresh.go", overlaps)
	}
}
