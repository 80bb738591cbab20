package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/muxkeep/muxkeep/internal/command"
	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/conflict"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/muxkeep/muxkeep/internal/session"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeBackend struct {
	mu       sync.Mutex
	spawned  []string
	killed   []string
	spawnErr error
	onSpawn  func()
}

func (f *fakeBackend) Spawn(ctx context.Context, name, workdir, cmd string) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.mu.Lock()
	f.spawned = append(f.spawned, name)
	f.mu.Unlock()
	if f.onSpawn != nil {
		f.onSpawn()
	}
	return nil
}

func (f *fakeBackend) Kill(ctx context.Context, name string) error {
	f.mu.Lock()
	f.killed = append(f.killed, name)
	f.mu.Unlock()
	return nil
}

// failingPersister rejects every snapshot write.
type failingPersister struct{}

func (failingPersister) SaveSnapshot(sessions []*session.Session) error {
	return errors.New("disk full")
}

type fakeWorkspaces struct {
	mu           sync.Mutex
	provisionErr error
	provisioned  int
	destroyed    []string
}

func (f *fakeWorkspaces) Provision(ctx context.Context, name, id, fromRef string) (*session.WorkspaceRef, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.mu.Lock()
	f.provisioned++
	f.mu.Unlock()
	return &session.WorkspaceRef{
		Path:       "/tmp/workspaces/" + name,
		Branch:     name + "-" + id[:8],
		SourceRepo: "/tmp/repo",
	}, nil
}

func (f *fakeWorkspaces) Destroy(ctx context.Context, ref *session.WorkspaceRef) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, ref.Path)
	f.mu.Unlock()
	return nil
}

func (f *fakeWorkspaces) SourceRepo() string { return "/tmp/repo" }

type fakeOverlaps struct {
	overlaps []conflict.Overlap
}

func (f *fakeOverlaps) Overlaps() []conflict.Overlap { return f.overlaps }

func foundBuilder(t *testing.T) *command.Builder {
	t.Helper()
	return command.NewBuilderWithLookPath(func(name string) (string, error) {
		return "/usr/bin/" + name, nil
	})
}

type fixture struct {
	pipeline   *Pipeline
	registry   *session.Registry
	backend    *fakeBackend
	workspaces *fakeWorkspaces
	bus        *event.Bus
	bursts     int
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		registry:   session.NewRegistry(nil),
		backend:    &fakeBackend{},
		workspaces: &fakeWorkspaces{},
		bus:        event.NewBus(),
	}
	opts := Options{
		Config:     config.Default(),
		Registry:   f.registry,
		Backend:    f.backend,
		Workspaces: f.workspaces,
		Builder:    foundBuilder(t),
		Bus:        f.bus,
		Burst:      func() { f.bursts++ },
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.pipeline = New(opts)
	return f
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestRunCreatesRunningSession(t *testing.T) {
	f := newFixture(t, nil)

	var created []event.Event
	f.bus.Subscribe("session.created", func(e event.Event) { created = append(created, e) })

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "refactor", Provider: "claude", Prompt: "do it"})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	s := res.Value
	if s.State != session.StateRunning {
		t.Errorf("state = %v, want Running", s.State)
	}
	if s.Workspace == nil {
		t.Error("expected a provisioned workspace")
	}
	if s.WorkDir != "/tmp/workspaces/refactor" {
		t.Errorf("workdir = %q", s.WorkDir)
	}
	if len(f.backend.spawned) != 1 {
		t.Fatalf("spawned = %v", f.backend.spawned)
	}
	if want := "mux-" + s.ID[:8]; f.backend.spawned[0] != want {
		t.Errorf("handle = %q, want %q", f.backend.spawned[0], want)
	}
	if _, err := f.registry.Get(s.ID); err != nil {
		t.Errorf("session not registered: %v", err)
	}
	if len(created) != 1 {
		t.Errorf("expected one session.created event, got %d", len(created))
	}
	if f.bursts != 1 {
		t.Errorf("expected one burst request, got %d", f.bursts)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		cc   *CreateContext
	}{
		{"empty name", &CreateContext{Name: "", Provider: "claude"}},
		{"name too long", &CreateContext{Name: strings.Repeat("x", 65), Provider: "claude"}},
		{"unknown provider", &CreateContext{Name: "ok", Provider: "mystery"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			res := f.pipeline.Run(context.Background(), tt.cc)
			if !errors.Is(res.Err, errors.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", res.Err)
			}
			if len(f.backend.spawned) != 0 {
				t.Error("nothing should be spawned for a rejected request")
			}
		})
	}
}

func TestRunDefaultsProvider(t *testing.T) {
	f := newFixture(t, nil)
	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "defprov"})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Value.Provider != "claude" {
		t.Errorf("provider = %q, want default claude", res.Value.Provider)
	}
}

func TestRunBlocksOnNameCollision(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Seed([]*session.Session{func() *session.Session {
		s := session.New("taken", "claude", "")
		s.State = session.StateRunning
		return s
	}()})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "TAKEN", Provider: "claude"})
	var ce *errors.ConflictError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("expected ConflictError, got %v", res.Err)
	}
	if ce.Kind != string(conflict.KindNameCollision) {
		t.Errorf("kind = %q", ce.Kind)
	}
}

func TestRunBlocksAtLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Session.MaxSessions = 1
	})
	f.registry.Seed([]*session.Session{func() *session.Session {
		s := session.New("busy", "claude", "")
		s.State = session.StateRunning
		return s
	}()})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "another", Provider: "claude"})
	if !errors.Is(res.Err, errors.ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", res.Err)
	}
}

func TestRunCollectsAdvisoryWarnings(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Session.MaxSessions = 3
		o.Config.Conflict.NearLimitThreshold = 2
		o.Overlaps = &fakeOverlaps{overlaps: []conflict.Overlap{
			{RelativePath: "go.mod", Sessions: []string{"a", "b"}},
		}}
	})
	f.registry.Seed([]*session.Session{func() *session.Session {
		s := session.New("one", "claude", "")
		s.State = session.StateRunning
		return s
	}()})

	cc := &CreateContext{Name: "two", Provider: "claude"}
	res := f.pipeline.Run(context.Background(), cc)
	if res.Err != nil {
		t.Fatalf("advisories must not block: %v", res.Err)
	}
	if len(cc.Warnings) != 2 {
		t.Errorf("warnings = %v, want near-limit and overlap", cc.Warnings)
	}
}

func TestRunFallsBackWhenProvisioningFails(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Workspaces = &fakeWorkspaces{provisionErr: errors.NewWorkspaceError("worktree add failed", nil)}
	})

	cc := &CreateContext{Name: "fallback", Provider: "claude", WorkDir: "/tmp/src"}
	res := f.pipeline.Run(context.Background(), cc)
	if res.Err != nil {
		t.Fatalf("provisioning failure must not abort: %v", res.Err)
	}
	if res.Value.Workspace != nil {
		t.Error("session should run non-isolated")
	}
	if res.Value.WorkDir != "/tmp/src" {
		t.Errorf("workdir = %q, want original", res.Value.WorkDir)
	}
	if len(cc.Warnings) != 1 {
		t.Errorf("expected exactly one advisory warning, got %v", cc.Warnings)
	}
}

func TestRunRollsBackWorkspaceOnMissingBinary(t *testing.T) {
	missing := command.NewBuilderWithLookPath(func(name string) (string, error) {
		return "", errors.New("not found")
	})
	f := newFixture(t, func(o *Options) {
		o.Builder = missing
	})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "nobin", Provider: "claude"})
	if !errors.Is(res.Err, errors.ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", res.Err)
	}
	if !res.RolledBack {
		t.Error("workspace should be rolled back")
	}
	if len(f.workspaces.destroyed) != 1 {
		t.Errorf("destroyed = %v", f.workspaces.destroyed)
	}
}

func TestRunRollsBackWorkspaceOnSpawnFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Backend = &fakeBackend{spawnErr: errors.NewBackendError("new-session failed", nil)}
	})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "nospawn", Provider: "claude"})
	var be *errors.BackendError
	if !errors.As(res.Err, &be) {
		t.Fatalf("expected BackendError, got %v", res.Err)
	}
	if !res.RolledBack {
		t.Error("workspace should be rolled back")
	}
	if f.registry.ActiveCount() != 0 {
		t.Error("failed creation must not register a session")
	}
}

func TestRunSkipsWorkspaceWhenDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Workspace.Enabled = false
	})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "plain", Provider: "claude", WorkDir: "/tmp/src"})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Value.Workspace != nil {
		t.Error("workspace should not be provisioned when disabled")
	}
	if f.workspaces.provisioned != 0 {
		t.Errorf("provisioned = %d", f.workspaces.provisioned)
	}
}

func TestRunAllowsTerminalNameReuse(t *testing.T) {
	for _, state := range []session.State{session.StateCompleted, session.StateFailed, session.StateKilled} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t, nil)
			f.registry.Seed([]*session.Session{func() *session.Session {
				s := session.New("fix-auth", "claude", "")
				s.State = state
				return s
			}()})

			res := f.pipeline.Run(context.Background(), &CreateContext{Name: "fix-auth", Provider: "claude"})
			if res.Err != nil {
				t.Fatalf("creation with a terminal session's name must succeed, got: %v", res.Err)
			}
		})
	}
}

func TestRunBlocksOnPausedName(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Seed([]*session.Session{func() *session.Session {
		s := session.New("fix-auth", "claude", "")
		s.State = session.StatePaused
		return s
	}()})

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "fix-auth", Provider: "claude"})
	var ce *errors.ConflictError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("paused sessions keep their name reserved, got: %v", res.Err)
	}
}

func TestRunKillsBackendWhenRegistrationFails(t *testing.T) {
	f := newFixture(t, nil)
	// A competing session takes the name between the conflict check and
	// registration.
	f.backend.onSpawn = func() {
		rival := session.New("raced", "claude", "")
		rival.State = session.StateRunning
		if err := f.registry.Insert(rival); err != nil {
			t.Fatalf("rival insert: %v", err)
		}
	}

	res := f.pipeline.Run(context.Background(), &CreateContext{Name: "raced", Provider: "claude"})
	var ce *errors.ConflictError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("expected ConflictError, got %v", res.Err)
	}
	if !res.RolledBack {
		t.Error("spawned backend should be rolled back")
	}
	if len(f.backend.killed) != 1 || f.backend.killed[0] != f.backend.spawned[0] {
		t.Errorf("killed = %v, spawned = %v, want the loser's handle killed", f.backend.killed, f.backend.spawned)
	}
	if len(f.workspaces.destroyed) != 1 {
		t.Errorf("destroyed = %v, want the loser's workspace gone", f.workspaces.destroyed)
	}
}

func TestRunKeepsResourcesOnPersistFailure(t *testing.T) {
	registry := session.NewRegistry(failingPersister{})
	f := newFixture(t, func(o *Options) {
		o.Registry = registry
	})
	f.registry = registry

	cc := &CreateContext{Name: "flaky-disk", Provider: "claude"}
	res := f.pipeline.Run(context.Background(), cc)
	var pe *errors.PersistenceError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", res.Err)
	}
	// Memory stays authoritative: the record is registered and its
	// backend and workspace stay up.
	if _, err := registry.Get(cc.Session.ID); err != nil {
		t.Fatalf("session should remain registered: %v", err)
	}
	if res.RolledBack {
		t.Error("a registered session's resources must not be rolled back")
	}
	if len(f.backend.killed) != 0 {
		t.Errorf("killed = %v, want none", f.backend.killed)
	}
	if len(f.workspaces.destroyed) != 0 {
		t.Errorf("destroyed = %v, want none", f.workspaces.destroyed)
	}
}

func TestRunConcurrentSameNameOneWinner(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	results := make([]StepResult[*session.Session], 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.pipeline.Run(context.Background(), &CreateContext{Name: "popular", Provider: "claude"})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if res.Err == nil {
			winners++
			continue
		}
		var ce *errors.ConflictError
		if !errors.As(res.Err, &ce) {
			t.Errorf("loser error = %v, want ConflictError", res.Err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly one", winners)
	}
	if f.registry.ActiveCount() != 1 {
		t.Errorf("active sessions = %d, want 1", f.registry.ActiveCount())
	}
}
