package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/muxkeep/muxkeep/internal/tmux"
)

const prefix = "mux"

func testCfg() config.ReconcileConfig {
	return config.ReconcileConfig{
		HeartbeatIntervalMs: 10,
		BurstIntervalMs:     2,
		BurstDurationMs:     50,
		RevivalGraceSeconds: 5,
	}
}

func seedRunning(reg *session.Registry, name string) *session.Session {
	s := session.New(name, "claude", "")
	s.State = session.StateRunning
	reg.Seed([]*session.Session{s})
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunOnceMarksCompleted(t *testing.T) {
	reg := session.NewRegistry(nil)
	s := seedRunning(reg, "done")
	backend := newFakeBackend()
	backend.set(s.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(0)})

	bus := event.NewBus()
	var events []event.Event
	bus.Subscribe("session.state_changed", func(e event.Event) { events = append(events, e) })

	loop := NewLoop(testCfg(), prefix, reg, backend, bus, nil)
	changed := loop.RunOnce(context.Background())

	if len(changed) != 1 {
		t.Fatalf("changed = %d sessions, want 1", len(changed))
	}
	if changed[0].State != session.StateCompleted {
		t.Errorf("state = %v, want Completed", changed[0].State)
	}
	got, _ := reg.Get(s.ID)
	if got.State != session.StateCompleted {
		t.Errorf("registry state = %v, want Completed", got.State)
	}
	if len(events) != 1 {
		t.Errorf("expected one state_changed event, got %d", len(events))
	}
}

func TestRunOnceMarksFailedWithExitStatus(t *testing.T) {
	reg := session.NewRegistry(nil)
	s := seedRunning(reg, "broken")
	backend := newFakeBackend()
	backend.set(s.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(2)})

	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	loop.RunOnce(context.Background())

	got, _ := reg.Get(s.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %v, want Failed", got.State)
	}
	if got.ErrorMessage == "" {
		t.Error("failed session should carry the exit status message")
	}
}

func TestRunOnceKeepsStateOnBackendError(t *testing.T) {
	reg := session.NewRegistry(nil)
	s := seedRunning(reg, "flaky")
	backend := newFakeBackend()
	backend.hasErr = context.DeadlineExceeded

	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	if changed := loop.RunOnce(context.Background()); len(changed) != 0 {
		t.Fatalf("backend error must not change state, changed %d", len(changed))
	}
	got, _ := reg.Get(s.ID)
	if got.State != session.StateRunning {
		t.Errorf("state = %v, want Running", got.State)
	}
}

func TestRunOnceSkipsInactiveSessions(t *testing.T) {
	reg := session.NewRegistry(nil)
	paused := session.New("paused", "claude", "")
	paused.State = session.StatePaused
	killed := session.New("killed", "claude", "")
	killed.State = session.StateKilled
	reg.Seed([]*session.Session{paused, killed})

	backend := newFakeBackend()
	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	if changed := loop.RunOnce(context.Background()); len(changed) != 0 {
		t.Errorf("inactive sessions must be skipped, changed %d", len(changed))
	}
}

func TestRunOnceHonorsRevivalGrace(t *testing.T) {
	reg := session.NewRegistry(nil)
	now := time.Now()
	s := session.New("revived", "claude", "")
	s.State = session.StateRunning
	s.RevivedAt = &now
	reg.Seed([]*session.Session{s})

	backend := newFakeBackend()
	backend.set(s.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(1)})

	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	if changed := loop.RunOnce(context.Background()); len(changed) != 0 {
		t.Fatalf("dead pane within grace must be ignored, changed %d", len(changed))
	}

	// Outside the window the same observation is trusted.
	past := now.Add(-10 * time.Second)
	s2 := session.New("revived-long-ago", "claude", "")
	s2.State = session.StateRunning
	s2.RevivedAt = &past
	reg.Seed([]*session.Session{s2})
	backend.set(s2.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(1)})

	loop.RunOnce(context.Background())
	got, _ := reg.Get(s2.ID)
	if got.State != session.StateFailed {
		t.Errorf("state = %v, want Failed after grace expiry", got.State)
	}
}

func TestBurstSwitchesInterval(t *testing.T) {
	loop := NewLoop(testCfg(), prefix, session.NewRegistry(nil), newFakeBackend(), nil, nil)

	if got := loop.interval(); got != 10*time.Millisecond {
		t.Fatalf("steady interval = %v", got)
	}
	loop.Burst()
	if got := loop.interval(); got != 2*time.Millisecond {
		t.Fatalf("burst interval = %v", got)
	}
	waitFor(t, func() bool { return loop.interval() == 10*time.Millisecond },
		"interval should revert after the burst window")
}

func TestLoopDetectsExitInBackground(t *testing.T) {
	reg := session.NewRegistry(nil)
	s := seedRunning(reg, "bg")
	backend := newFakeBackend()
	backend.set(s.Handle(prefix), true, &tmux.Pane{Dead: false, PID: 1})

	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	loop.Start()
	defer loop.Stop()

	backend.set(s.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(0)})
	waitFor(t, func() bool {
		got, _ := reg.Get(s.ID)
		return got.State == session.StateCompleted
	}, "loop should observe the dead pane")
}

func TestStopWaitsForChecks(t *testing.T) {
	reg := session.NewRegistry(nil)
	seedRunning(reg, "stopping")
	backend := newFakeBackend()

	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	loop.Start()
	loop.Burst()
	time.Sleep(20 * time.Millisecond)
	loop.Stop()
	// A second Stop-adjacent sweep after shutdown must not run; nothing to
	// assert beyond the absence of panics and leaked goroutines here.
}

func TestRunOnceJournalsTerminalTransitions(t *testing.T) {
	reg := session.NewRegistry(nil)
	done := seedRunning(reg, "done")
	alive := session.New("alive", "claude", "")
	alive.State = session.StateRunning
	reg.Seed([]*session.Session{alive})

	backend := newFakeBackend()
	backend.set(done.Handle(prefix), true, &tmux.Pane{Dead: true, ExitStatus: intPtr(0)})
	backend.set(alive.Handle(prefix), true, &tmux.Pane{Dead: false})

	type line struct {
		id     string
		reason string
	}
	var (
		mu    sync.Mutex
		lines []line
	)
	loop := NewLoop(testCfg(), prefix, reg, backend, nil, nil)
	loop.SetJournal(func(s *session.Session, reason string) {
		mu.Lock()
		lines = append(lines, line{s.ID, reason})
		mu.Unlock()
	})

	loop.RunOnce(context.Background())

	if len(lines) != 1 {
		t.Fatalf("journal lines = %+v, want exactly one for the exited session", lines)
	}
	if lines[0].id != done.ID {
		t.Errorf("journaled session = %s, want %s", lines[0].id, done.ID)
	}

	// A second sweep observes no change and must not journal again.
	loop.RunOnce(context.Background())
	if len(lines) != 1 {
		t.Errorf("journal lines after second sweep = %+v, want still one", lines)
	}
}
