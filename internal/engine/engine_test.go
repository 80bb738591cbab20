package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxkeep/muxkeep/internal/command"
	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/muxkeep/muxkeep/internal/tmux"
)

// -----------------------------------------------------------------------------
// Fake tmux server
// -----------------------------------------------------------------------------

type fakePane struct {
	dead   bool
	exit   *int
	output string
}

// fakeServer emulates the tmux command surface at the exec boundary.
type fakeServer struct {
	mu       sync.Mutex
	sessions map[string]*fakePane
	killErr  error
}

func newFakeServer() *fakeServer {
	return &fakeServer{sessions: make(map[string]*fakePane)}
}

var (
	notFoundOnce sync.Once
	notFoundErr  error
)

// tmuxNotFound fabricates a real *exec.ExitError carrying tmux's "can't find
// session" stderr, which is what the service's error classification expects.
func tmuxNotFound() error {
	notFoundOnce.Do(func() {
		_, notFoundErr = exec.Command("sh", "-c", `echo "can't find session" >&2; exit 1`).Output()
	})
	return notFoundErr
}

func target(arg string) string { return strings.TrimPrefix(arg, "=") }

func (f *fakeServer) run(ctx context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch args[0] {
	case "has-session":
		if _, ok := f.sessions[target(args[2])]; ok {
			return "", nil
		}
		return "", tmuxNotFound()
	case "new-session":
		// new-session -d -s NAME [-c dir] command
		f.sessions[args[3]] = &fakePane{}
		return "", nil
	case "kill-session":
		if f.killErr != nil {
			return "", f.killErr
		}
		name := target(args[2])
		if _, ok := f.sessions[name]; !ok {
			return "", tmuxNotFound()
		}
		delete(f.sessions, name)
		return "", nil
	case "set-option":
		return "", nil
	case "display-message":
		pane, ok := f.sessions[target(args[3])]
		if !ok {
			return "", tmuxNotFound()
		}
		if pane.dead {
			exit := "0"
			if pane.exit != nil {
				exit = strconv.Itoa(*pane.exit)
			}
			return "1 " + exit + " 4242\n", nil
		}
		return "0 4242\n", nil
	case "capture-pane":
		pane, ok := f.sessions[target(args[3])]
		if !ok {
			return "", tmuxNotFound()
		}
		return pane.output, nil
	case "list-sessions":
		var names []string
		for name := range f.sessions {
			names = append(names, name)
		}
		return strings.Join(names, "\n"), nil
	}
	return "", nil
}

func (f *fakeServer) setPane(name string, dead bool, exit *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pane, ok := f.sessions[name]; ok {
		pane.dead = dead
		pane.exit = exit
		return
	}
	f.sessions[name] = &fakePane{dead: dead, exit: exit}
}

func (f *fakeServer) setKillErr(err error) {
	f.mu.Lock()
	f.killErr = err
	f.mu.Unlock()
}

func (f *fakeServer) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

// -----------------------------------------------------------------------------
// Test fixture
// -----------------------------------------------------------------------------

func testConfig(stateDir string) *config.Config {
	cfg := config.Default()
	cfg.Paths.StateDir = stateDir
	cfg.Workspace.Enabled = false
	return cfg
}

func foundLookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func newTestManager(t *testing.T, srv *fakeServer, stateDir string) *Manager {
	t.Helper()
	cfg := testConfig(stateDir)
	svc := tmux.NewServiceWithRunner(cfg.Backend, srv.run)
	m, err := newManager(cfg, nil, svc, command.NewBuilderWithLookPath(foundLookPath))
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func prefix() string { return config.Default().Session.NamePrefix }

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{
		Name:     "feature-x",
		Provider: "claude",
		Prompt:   "build it",
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := res.Session
	if s.State != session.StateRunning {
		t.Errorf("state = %v, want Running", s.State)
	}
	if !srv.has(s.Handle(prefix())) {
		t.Error("backend session was not spawned")
	}

	// Creation is not a terminal transition, so nothing is journaled.
	entries, err := m.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("history = %+v, want empty after create", entries)
	}
}

func TestPauseAndRevive(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "pausable", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := res.Session.ID
	handle := res.Session.Handle(prefix())

	paused, err := m.PauseSession(context.Background(), id)
	if err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if paused.State != session.StatePaused {
		t.Errorf("state = %v, want Paused", paused.State)
	}
	if srv.has(handle) {
		t.Error("pause should kill the backend session")
	}

	revived, err := m.ReviveSession(context.Background(), id)
	if err != nil {
		t.Fatalf("ReviveSession: %v", err)
	}
	if revived.State != session.StateRunning {
		t.Errorf("state = %v, want Running", revived.State)
	}
	if revived.RevivedAt == nil {
		t.Error("RevivedAt should be set")
	}
	if !srv.has(handle) {
		t.Error("revive should respawn the backend session")
	}
}

func TestKillIsTerminal(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "doomed", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := res.Session.ID

	killed, err := m.KillSession(context.Background(), id)
	if err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if killed.State != session.StateKilled {
		t.Errorf("state = %v, want Killed", killed.State)
	}

	// Idempotent.
	if _, err := m.KillSession(context.Background(), id); err != nil {
		t.Errorf("second kill should be a no-op: %v", err)
	}

	if _, err := m.ReviveSession(context.Background(), id); !errors.Is(err, errors.ErrSessionNotRevivable) {
		t.Errorf("revive after kill: expected ErrSessionNotRevivable, got %v", err)
	}
}

func TestCleanSession(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "tidy", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := res.Session.ID

	if err := m.CleanSession(context.Background(), id); !errors.Is(err, errors.ErrSessionActive) {
		t.Fatalf("cleaning an active session: expected ErrSessionActive, got %v", err)
	}

	if _, err := m.KillSession(context.Background(), id); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if err := m.CleanSession(context.Background(), id); err != nil {
		t.Fatalf("CleanSession: %v", err)
	}
	if _, err := m.GetSession(id); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("cleaned session should be gone, got %v", err)
	}
}

func TestRenameSession(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "before", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	handle := res.Session.Handle(prefix())

	renamed, err := m.RenameSession(context.Background(), res.Session.ID, "after")
	if err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if renamed.Name != "after" {
		t.Errorf("name = %q", renamed.Name)
	}
	if renamed.Handle(prefix()) != handle {
		t.Error("rename must not change the backend handle")
	}
}

func TestOutput(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "chatty", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	srv.mu.Lock()
	srv.sessions[res.Session.Handle(prefix())].output = "hello from the pane\n"
	srv.mu.Unlock()

	out, err := m.Output(context.Background(), res.Session.ID, 100)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if !strings.Contains(out, "hello from the pane") {
		t.Errorf("output = %q", out)
	}
}

func TestRefreshNowObservesExit(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "exiting", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	exit := 3
	srv.setPane(res.Session.Handle(prefix()), true, &exit)

	changed := m.RefreshNow(context.Background())
	if len(changed) != 1 {
		t.Fatalf("changed = %d, want 1", len(changed))
	}
	if changed[0].State != session.StateFailed {
		t.Errorf("state = %v, want Failed", changed[0].State)
	}

	// The reconciled terminal transition gets exactly one journal line.
	entries, err := m.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history = %+v, want exactly one entry", entries)
	}
	if entries[0].Session.ID != res.Session.ID || !strings.Contains(entries[0].Reason, "exited") {
		t.Errorf("history entry = %+v", entries[0])
	}
}

func TestTerminalNameReuseAndReviveConflict(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "fix-auth", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	oldID := res.Session.ID
	oldHandle := res.Session.Handle(prefix())

	// The session exits; its name is free again.
	srv.setPane(oldHandle, true, nil)
	m.RefreshNow(context.Background())

	if _, err := m.CreateSession(context.Background(), CreateRequest{Name: "fix-auth", Provider: "claude", WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("creation with a terminal session's name must succeed, got: %v", err)
	}

	// The old record can no longer come back under the taken name, and
	// the attempt must not leave a backend session behind.
	_, err = m.ReviveSession(context.Background(), oldID)
	var ce *errors.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("ReviveSession with reused name error = %v, want *ConflictError", err)
	}
	if srv.has(oldHandle) {
		t.Error("failed revive left its backend session alive")
	}
}

func TestPauseRevertsWhenKillFails(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "stuck", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	srv.setKillErr(errors.New("server exited unexpectedly"))

	if _, err := m.PauseSession(context.Background(), res.Session.ID); err == nil {
		t.Fatal("PauseSession with failing kill returned nil error")
	}
	s, err := m.GetSession(res.Session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.State != session.StateRunning {
		t.Errorf("state = %v, want Running restored after failed pause", s.State)
	}
}

func TestAdoptExternal(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())
	srv.setPane("scratch", false, nil)

	adopted, err := m.AdoptExternal(context.Background(), "scratch", "/tmp")
	if err != nil {
		t.Fatalf("AdoptExternal: %v", err)
	}
	if !adopted.Adopted || adopted.ExternalHandle != "scratch" {
		t.Errorf("adopted = %+v", adopted)
	}
	if adopted.State != session.StateRunning {
		t.Errorf("state = %v, want Running", adopted.State)
	}

	again, err := m.AdoptExternal(context.Background(), "scratch", "/tmp")
	if err != nil {
		t.Fatalf("second adopt: %v", err)
	}
	if again.ID != adopted.ID {
		t.Error("re-adopting the same tmux session must return the existing record")
	}

	if _, err := m.AdoptExternal(context.Background(), "no-such", "/tmp"); !errors.Is(err, errors.ErrHandleNotFound) {
		t.Errorf("adopting a missing session: expected ErrHandleNotFound, got %v", err)
	}
}

func TestCleanupDeadBackends(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "claimed", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	claimedHandle := res.Session.Handle(prefix())

	zero := 0
	srv.setPane("mux-deadbeef", true, &zero) // unclaimed and dead
	srv.setPane("other-app", true, &zero)    // foreign prefix

	count, err := m.CleanupDeadBackends(context.Background())
	if err != nil {
		t.Fatalf("CleanupDeadBackends: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if srv.has("mux-deadbeef") {
		t.Error("unclaimed dead backend should be reaped")
	}
	if !srv.has("other-app") || !srv.has(claimedHandle) {
		t.Error("foreign and claimed sessions must be left alone")
	}
}

func TestKillAll(t *testing.T) {
	srv := newFakeServer()
	m := newTestManager(t, srv, t.TempDir())

	for _, name := range []string{"one", "two"} {
		if _, err := m.CreateSession(context.Background(), CreateRequest{Name: name, Provider: "claude", WorkDir: t.TempDir()}); err != nil {
			t.Fatalf("CreateSession(%s): %v", name, err)
		}
	}

	count, err := m.KillAll(context.Background())
	if err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	for _, s := range m.ListSessions() {
		if s.State != session.StateKilled {
			t.Errorf("session %s = %v, want Killed", s.Name, s.State)
		}
	}
}

func TestRestorePrunesResourcelessRecords(t *testing.T) {
	stateDir := t.TempDir()
	srv := newFakeServer()

	cfg := testConfig(stateDir)
	svc := tmux.NewServiceWithRunner(cfg.Backend, srv.run)
	m, err := newManager(cfg, nil, svc, command.NewBuilderWithLookPath(foundLookPath))
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	res, err := m.CreateSession(context.Background(), CreateRequest{Name: "ephemeral", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	paused, err := m.CreateSession(context.Background(), CreateRequest{Name: "keeper", Provider: "claude", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.PauseSession(context.Background(), paused.Session.ID); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The backend vanished between runs.
	srv2 := newFakeServer()
	m2 := newTestManager(t, srv2, stateDir)

	if _, err := m2.GetSession(res.Session.ID); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("resourceless running session should be pruned, got %v", err)
	}
	kept, err := m2.GetSession(paused.Session.ID)
	if err != nil {
		t.Fatalf("paused session should survive restore: %v", err)
	}
	if kept.State != session.StatePaused {
		t.Errorf("state = %v, want Paused", kept.State)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	srv := newFakeServer()
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	svc := tmux.NewServiceWithRunner(cfg.Backend, srv.run)
	m, err := newManager(cfg, nil, svc, command.NewBuilderWithLookPath(foundLookPath))
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.CreateSession(context.Background(), CreateRequest{Name: "late", Provider: "claude"}); !errors.Is(err, errors.ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close must be idempotent: %v", err)
	}
}

func TestNewestContextRef(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, mtime time.Time) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Now().Add(-time.Hour)
	write("11111111-1111-1111-1111-111111111111.jsonl", base.Add(-10*time.Minute)) // too old
	write("22222222-2222-2222-2222-222222222222.jsonl", base.Add(2*time.Minute))   // closest after
	write("33333333-3333-3333-3333-333333333333.jsonl", base.Add(30*time.Minute))
	write("not-a-uuid.jsonl", base.Add(time.Minute))

	got := newestContextRef(dir, base)
	if got != "22222222-2222-2222-2222-222222222222" {
		t.Errorf("ref = %q, want closest transcript after creation", got)
	}

	if got := newestContextRef(filepath.Join(dir, "missing"), base); got != "" {
		t.Errorf("missing dir should yield empty ref, got %q", got)
	}
}
