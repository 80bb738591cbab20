// Package engine is the public surface of muxkeep. Manager composes the
// registry, the tmux backend, workspace isolation, conflict watching and the
// reconciliation loop behind one API; everything below it is wiring.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/muxkeep/muxkeep/internal/command"
	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/conflict"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/muxkeep/muxkeep/internal/logging"
	"github.com/muxkeep/muxkeep/internal/pipeline"
	"github.com/muxkeep/muxkeep/internal/reconcile"
	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/muxkeep/muxkeep/internal/tmux"
	"github.com/muxkeep/muxkeep/internal/workspace"
)

// CreateRequest carries everything CreateSession needs.
type CreateRequest struct {
	Name     string
	Provider string
	Prompt   string
	WorkDir  string
	Env      map[string]string
}

// CreateResult is a created session plus any advisory warnings raised on the
// way.
type CreateResult struct {
	Session  *session.Session
	Warnings []string
}

// Manager owns the session world. All mutations flow through it.
type Manager struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *event.Bus
	registry *session.Registry
	store    *session.Store
	lock     *session.Lock
	backend  *tmux.Service
	async    *tmux.Async
	// workspaces is nil when isolation is disabled or the working
	// directory is not inside a git repository.
	workspaces *workspace.Manager
	watcher    *conflict.Watcher
	builder    *command.Builder
	pipeline   *pipeline.Pipeline
	loop       *reconcile.Loop

	// contextDirFor resolves the directory holding a provider's
	// conversation files for resume-ref discovery. Injectable for tests.
	contextDirFor func(provider, workdir string) string

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// asyncBackend routes reconciliation checks through the worker pool so
// different sessions are probed concurrently with bounded parallelism.
type asyncBackend struct {
	a *tmux.Async
}

func (b asyncBackend) Has(ctx context.Context, name string) (bool, error) {
	return b.a.Has(ctx, name).Wait(ctx)
}

func (b asyncBackend) PaneInfo(ctx context.Context, name string) (*tmux.Pane, error) {
	return b.a.PaneInfo(ctx, name).Wait(ctx)
}

// New builds and starts a Manager: acquires the state lock, restores
// persisted sessions, and launches the watcher and reconciliation loop.
func New(cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	return newManager(cfg, logger, tmux.NewService(cfg.Backend), command.NewBuilder())
}

func newManager(cfg *config.Config, logger *logging.Logger, backend *tmux.Service, builder *command.Builder) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.NewPersistenceError("failed to create state directory", err).WithPath(stateDir)
	}

	lock, err := session.AcquireLock(stateDir, logger)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(stateDir)
	if err != nil {
		lock.Release()
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.WithComponent("engine"),
		bus:      event.NewBus(),
		store:    store,
		lock:     lock,
		registry: session.NewRegistry(store),
		backend:  backend,
		builder:  builder,
	}
	m.backend.SetLogger(logger)
	m.async = tmux.NewAsync(m.backend, cfg.Backend)
	m.contextDirFor = claudeContextDir

	if err := m.backend.Available(); err != nil {
		m.logger.Warn("tmux binary not found; backend operations will fail", "error", err)
	}

	if cfg.Workspace.Enabled {
		if root, err := workspace.FindGitRoot(mustGetwd()); err == nil {
			ws, wsErr := workspace.New(root, cfg.WorkspaceDir(), cfg.Workspace.EnvFiles)
			if wsErr != nil {
				m.logger.Warn("workspace isolation unavailable", "error", wsErr)
			} else {
				ws.SetLogger(logger)
				m.workspaces = ws
			}
		} else {
			m.logger.Info("not inside a git repository; sessions run non-isolated")
		}
	}

	watcher, err := conflict.NewWatcher(cfg.Conflict.WatchGlobs, logger)
	if err != nil {
		m.logger.Warn("conflict watcher unavailable", "error", err)
	} else {
		m.watcher = watcher
	}

	if err := m.restore(context.Background()); err != nil {
		m.shutdown()
		return nil, err
	}

	m.loop = reconcile.NewLoop(cfg.Reconcile, cfg.Session.NamePrefix, m.registry,
		asyncBackend{m.async}, m.bus, logger)
	m.loop.SetJournal(m.appendHistory)

	var overlaps pipeline.Overlapper
	if m.watcher != nil {
		overlaps = m.watcher
	}
	var workspaces pipeline.Workspaces
	if m.workspaces != nil {
		workspaces = m.workspaces
	}
	m.pipeline = pipeline.New(pipeline.Options{
		Config:     cfg,
		Registry:   m.registry,
		Backend:    m.backend,
		Workspaces: workspaces,
		Builder:    m.builder,
		Overlaps:   overlaps,
		Bus:        m.bus,
		Logger:     logger,
		Burst:      func() { m.loop.Burst() },
	})

	if m.watcher != nil {
		m.watcher.Start()
	}
	m.loop.Start()

	m.logger.Info("engine started", "state_dir", stateDir, "sessions", len(m.registry.List()))
	return m, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// restore loads the persisted snapshot and reconciles it against reality
// before anything else runs. Records whose resources are entirely gone are
// pruned to history rather than resurrected.
func (m *Manager) restore(ctx context.Context) error {
	persisted, err := m.store.LoadSnapshot()
	if err != nil {
		if errors.Is(err, errors.ErrStateCorrupted) {
			// A corrupt snapshot must not brick startup. Keep the
			// file for inspection and start empty.
			m.logger.Error("state snapshot corrupted; starting with empty registry", "error", err)
			return nil
		}
		return err
	}

	prefix := m.cfg.Session.NamePrefix
	var keep []*session.Session
	for _, s := range persisted {
		// A workspace whose directory vanished is no longer a resource.
		if s.Workspace != nil {
			if _, err := os.Stat(s.Workspace.Path); os.IsNotExist(err) {
				m.logger.Info("restored session's workspace is gone", "session_id", s.ID, "path", s.Workspace.Path)
				s.Workspace = nil
			}
		}

		if s.State.IsTerminal() {
			m.pruneToHistory(s, "restore-pruned")
			continue
		}

		if s.State.IsActive() {
			alive, err := m.backend.Has(ctx, s.Handle(prefix))
			if err != nil {
				// Backend unreachable: keep the record as-is and
				// let the loop sort it out later.
				m.logger.Warn("could not verify restored session", "session_id", s.ID, "error", err)
			} else if !alive {
				if s.Workspace == nil && s.ResumeRef == "" {
					m.pruneToHistory(s, "restore-pruned")
					continue
				}
				s.State = session.StateCompleted
				now := time.Now()
				s.EndedAt = &now
			}
		}

		keep = append(keep, s)
		if m.watcher != nil && s.Workspace != nil {
			if err := m.watcher.AddWorkspace(s.ID, s.Workspace.Path); err != nil {
				m.logger.Warn("could not watch restored workspace", "session_id", s.ID, "error", err)
			}
		}
	}

	m.registry.Seed(keep)
	return nil
}

func (m *Manager) pruneToHistory(s *session.Session, reason string) {
	if err := m.store.AppendHistory(session.HistoryEntry{
		Session:    s,
		ArchivedAt: time.Now(),
		Reason:     reason,
	}); err != nil {
		m.logger.Warn("could not archive pruned session", "session_id", s.ID, "error", err)
	}
	m.logger.Info("pruned restored session", "session_id", s.ID, "name", s.Name, "reason", reason)
}

// -----------------------------------------------------------------------------
// Lifecycle operations
// -----------------------------------------------------------------------------

// CreateSession runs the creation pipeline.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	cc := &pipeline.CreateContext{
		Name:     req.Name,
		Provider: req.Provider,
		Prompt:   req.Prompt,
		WorkDir:  req.WorkDir,
		Env:      req.Env,
	}
	res := m.pipeline.Run(ctx, cc)
	if res.Err != nil {
		return nil, res.Err
	}
	s := res.Value
	if m.watcher != nil && s.Workspace != nil {
		if err := m.watcher.AddWorkspace(s.ID, s.Workspace.Path); err != nil {
			m.logger.Warn("could not watch new workspace", "session_id", s.ID, "error", err)
		}
	}
	return &CreateResult{Session: s, Warnings: cc.Warnings}, nil
}

// PauseSession kills the backend but keeps the workspace and record so the
// session can be revived later.
func (m *Manager) PauseSession(ctx context.Context, id string) (*session.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	// Claim the transition first. Once the session is Paused the
	// reconcile loop leaves it alone, so killing the backend afterwards
	// cannot race a sweep into marking it Completed.
	updated, err := m.registry.MarkPaused(id)
	if updated == nil {
		return nil, err
	}
	if killErr := m.backend.Kill(ctx, s.Handle(m.cfg.Session.NamePrefix)); killErr != nil {
		if _, revertErr := m.registry.MarkRunning(id); revertErr != nil {
			m.logger.Error("could not revert failed pause", "session_id", id, "error", revertErr)
		}
		return nil, killErr
	}
	m.bus.Publish(event.NewSessionPausedEvent(id, updated.Name))
	return updated, err
}

// KillSession terminates the session permanently: backend gone, workspace
// destroyed, state Killed. There is no way back.
func (m *Manager) KillSession(ctx context.Context, id string) (*session.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.State == session.StateKilled {
		return s, nil
	}

	if err := m.backend.Kill(ctx, s.Handle(m.cfg.Session.NamePrefix)); err != nil {
		return nil, err
	}
	m.releaseWorkspace(ctx, s)

	updated, err := m.registry.MarkKilled(id)
	if updated == nil {
		return nil, err
	}
	m.bus.Publish(event.NewSessionKilledEvent(id, updated.Name))
	m.appendHistory(updated, "killed")
	return updated, err
}

// ReviveSession restarts a Completed, Failed or Paused session. Failed
// sessions start fresh; the others resume their previous conversation.
func (m *Manager) ReviveSession(ctx context.Context, id string) (*session.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.State.IsRevivable() {
		return nil, fmt.Errorf("%w: session is %s", errors.ErrSessionNotRevivable, s.State)
	}
	wasFailed := s.State == session.StateFailed

	if _, err := m.builder.ValidateBinary(s.Provider); err != nil {
		return nil, err
	}

	// A resumable conversation reference may have appeared since the
	// session last ran; look once before building the command.
	if !wasFailed && s.ResumeRef == "" {
		if ref := m.DiscoverResumeRef(s); ref != "" {
			s.ResumeRef = ref
			if err := m.registry.SetResumeRef(id, ref); err != nil {
				m.logger.Warn("could not record resume ref", "session_id", id, "error", err)
			}
		}
	}

	workdir := s.WorkDir
	if s.Workspace != nil {
		if _, err := os.Stat(s.Workspace.Path); err == nil {
			workdir = s.Workspace.Path
		} else {
			m.logger.Warn("workspace missing at revive; running non-isolated", "session_id", id, "path", s.Workspace.Path)
			if err := m.registry.ClearWorkspace(id); err != nil {
				m.logger.Warn("could not clear stale workspace ref", "session_id", id, "error", err)
			}
			workdir = s.Workspace.SourceRepo
		}
	}

	handle := s.Handle(m.cfg.Session.NamePrefix)
	// remain-on-exit keeps dead panes around, so the old shell may still
	// occupy the handle.
	if alive, err := m.backend.Has(ctx, handle); err == nil && alive {
		if err := m.backend.Kill(ctx, handle); err != nil {
			return nil, err
		}
	}

	args := m.builder.BuildRevive(s, wasFailed)
	cmd := m.builder.Wrap(args, s.Name, s.ID, nil)
	if err := m.backend.Spawn(ctx, handle, workdir, cmd); err != nil {
		return nil, err
	}

	updated, err := m.registry.MarkRevived(id)
	if updated == nil {
		// The record refused the transition (killed meanwhile, or its
		// name was reused); do not leave the fresh backend behind.
		if killErr := m.backend.Kill(ctx, handle); killErr != nil {
			m.logger.Warn("could not clean up failed revive", "session_id", id, "error", killErr)
		}
		return nil, err
	}
	m.bus.Publish(event.NewSessionRevivedEvent(id, updated.Name, !wasFailed))
	m.loop.Burst()
	return updated, err
}

// RenameSession changes the display name. The backend handle never changes.
func (m *Manager) RenameSession(ctx context.Context, id, newName string) (*session.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if newName == "" {
		return nil, errors.NewValidationError("new name is required", errors.ErrInvalidInput).WithField("name")
	}
	old, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	updated, err := m.registry.Rename(id, newName)
	if updated == nil {
		return nil, err
	}
	m.bus.Publish(event.NewSessionRenamedEvent(id, old.Name, newName))
	return updated, err
}

// CleanSession removes a non-active session entirely: workspace destroyed,
// leftover dead pane reaped, record archived to history and dropped.
func (m *Manager) CleanSession(ctx context.Context, id string) error {
	if err := m.guard(); err != nil {
		return err
	}
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if s.State.IsActive() {
		return fmt.Errorf("%w: session is %s", errors.ErrSessionActive, s.State)
	}

	if err := m.backend.Kill(ctx, s.Handle(m.cfg.Session.NamePrefix)); err != nil {
		m.logger.Warn("could not reap backend during clean", "session_id", id, "error", err)
	}
	m.releaseWorkspace(ctx, s)

	removed, err := m.registry.Remove(id)
	if removed == nil {
		return err
	}
	m.bus.Publish(event.NewSessionCleanedEvent(id, removed.Name, string(removed.State)))
	m.appendHistory(removed, "cleaned")
	return err
}

// releaseWorkspace destroys a session's worktree and stops watching it.
// Adopted sessions never own a workspace.
func (m *Manager) releaseWorkspace(ctx context.Context, s *session.Session) {
	if s.Workspace == nil {
		return
	}
	if m.watcher != nil {
		m.watcher.RemoveWorkspace(s.ID)
	}
	if m.workspaces == nil {
		return
	}
	if err := m.workspaces.Destroy(ctx, s.Workspace); err != nil {
		m.logger.Warn("could not destroy workspace", "session_id", s.ID, "path", s.Workspace.Path, "error", err)
		return
	}
	if err := m.registry.ClearWorkspace(s.ID); err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
		m.logger.Warn("could not clear workspace ref", "session_id", s.ID, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// ListSessions returns all sessions sorted by creation time.
func (m *Manager) ListSessions() []*session.Session {
	return m.registry.List()
}

// GetSession returns one session by ID.
func (m *Manager) GetSession(id string) (*session.Session, error) {
	return m.registry.Get(id)
}

// GetSessionByName returns one session by display name.
func (m *Manager) GetSessionByName(name string) (*session.Session, error) {
	return m.registry.GetByName(name)
}

// History returns the most recent archived session records.
func (m *Manager) History(limit int) ([]session.HistoryEntry, error) {
	return m.store.History(limit)
}

// Output captures the last lines of a session's pane. Works for dead panes
// too, which is the point of remain-on-exit.
func (m *Manager) Output(ctx context.Context, id string, lines int) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	s, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	return m.async.Capture(ctx, s.Handle(m.cfg.Session.NamePrefix), lines).Wait(ctx)
}

// RefreshNow reconciles every active session synchronously and returns the
// ones whose state changed.
func (m *Manager) RefreshNow(ctx context.Context) []*session.Session {
	return m.loop.RunOnce(ctx)
}

// WorkspaceExists reports whether a session's workspace directory is still
// on disk. Paused sessions with a vanished workspace cannot be navigated to.
func (m *Manager) WorkspaceExists(s *session.Session) bool {
	if s.Workspace == nil {
		return false
	}
	_, err := os.Stat(s.Workspace.Path)
	return err == nil
}

// Subscribe registers a handler for one event type. "*" matches all.
func (m *Manager) Subscribe(eventType string, handler event.Handler) string {
	return m.bus.Subscribe(eventType, handler)
}

// Unsubscribe removes a previously registered handler.
func (m *Manager) Unsubscribe(id string) bool {
	return m.bus.Unsubscribe(id)
}

// -----------------------------------------------------------------------------
// Maintenance operations
// -----------------------------------------------------------------------------

// AdoptExternal brings a tmux session created outside muxkeep under
// management. The session keeps its original tmux name and owns no workspace.
func (m *Manager) AdoptExternal(ctx context.Context, tmuxName, workdir string) (*session.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	prefix := m.cfg.Session.NamePrefix
	for _, existing := range m.registry.List() {
		if existing.Handle(prefix) == tmuxName {
			return existing, nil
		}
	}
	if m.registry.ActiveCount() >= m.cfg.Session.MaxSessions {
		return nil, fmt.Errorf("%w: %d active", errors.ErrSessionLimit, m.registry.ActiveCount())
	}

	alive, err := m.backend.Has(ctx, tmuxName)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("%w: %s", errors.ErrHandleNotFound, tmuxName)
	}

	s := session.New(tmuxName, command.ProviderShell, "")
	s.Adopted = true
	s.ExternalHandle = tmuxName
	s.WorkDir = workdir

	pane, err := m.backend.PaneInfo(ctx, tmuxName)
	if err == nil && pane.Dead {
		s.State = session.StateCompleted
		now := time.Now()
		s.EndedAt = &now
	} else {
		s.State = session.StateRunning
	}

	if err := m.registry.Insert(s); err != nil {
		return nil, err
	}
	m.bus.Publish(event.NewSessionAdoptedEvent(s.ID, s.Name, tmuxName))
	return s, nil
}

// KillAll kills every active session. The first error aborts the sweep.
func (m *Manager) KillAll(ctx context.Context) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	count := 0
	for _, s := range m.registry.List() {
		if !s.State.IsActive() {
			continue
		}
		if _, err := m.KillSession(ctx, s.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// CleanupDeadBackends reaps prefixed tmux sessions whose panes are dead and
// that no registry record claims. Returns how many were killed.
func (m *Manager) CleanupDeadBackends(ctx context.Context) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	names, err := m.backend.List(ctx)
	if err != nil {
		return 0, err
	}

	prefix := m.cfg.Session.NamePrefix + "-"
	claimed := make(map[string]bool)
	for _, s := range m.registry.List() {
		claimed[s.Handle(m.cfg.Session.NamePrefix)] = true
	}

	count := 0
	for _, name := range names {
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if claimed[name] {
			continue
		}
		pane, err := m.backend.PaneInfo(ctx, name)
		if err != nil || !pane.Dead {
			continue
		}
		if err := m.backend.Kill(ctx, name); err != nil {
			m.logger.Warn("could not reap dead backend", "handle", name, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		m.logger.Info("reaped dead backends", "count", count)
	}
	return count, nil
}

// Orphans returns workspace directories under the base dir that no session
// record claims.
func (m *Manager) Orphans(ctx context.Context) ([]string, error) {
	if m.workspaces == nil {
		return nil, nil
	}
	known := make(map[string]bool)
	for _, s := range m.registry.List() {
		if s.Workspace != nil {
			known[s.Workspace.Path] = true
		}
	}
	return m.workspaces.ListOrphans(ctx, known)
}

// DiscoverResumeRef tries to find the provider conversation that belongs to
// a session by matching conversation files against the session's creation
// time. Best-effort: an empty result just means revive falls back to the
// provider's own continuation mechanism.
func (m *Manager) DiscoverResumeRef(s *session.Session) string {
	dir := m.contextDirFor(s.Provider, s.WorkDir)
	if dir == "" {
		return ""
	}
	return newestContextRef(dir, s.CreatedAt)
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

func (m *Manager) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrEngineClosed
	}
	return nil
}

// Close stops the loop and watcher, drains the backend pool, persists a
// final snapshot and releases the state lock. Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		if m.loop != nil {
			m.loop.Stop()
		}
		err = m.shutdown()
		m.logger.Info("engine stopped")
	})
	return err
}

func (m *Manager) shutdown() error {
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if m.async != nil {
		m.async.Close()
	}
	var err error
	if m.registry != nil {
		if perr := m.store.SaveSnapshot(m.registry.List()); perr != nil {
			m.logger.Error("final snapshot failed", "error", perr)
			err = perr
		}
	}
	if m.lock != nil {
		if lerr := m.lock.Release(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

// appendHistory writes one journal line. The journal records terminal
// transitions (completed, failed, killed) and records leaving the registry
// (cleaned, restore-pruned); routine operations are not journaled.
func (m *Manager) appendHistory(s *session.Session, reason string) {
	if err := m.store.AppendHistory(session.HistoryEntry{
		Session:    s,
		ArchivedAt: time.Now(),
		Reason:     reason,
	}); err != nil {
		m.logger.Warn("could not append history", "session_id", s.ID, "error", err)
	}
}
