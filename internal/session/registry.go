package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muxkeep/muxkeep/internal/errors"
)

// Persister receives the full session set after every registry mutation.
// The registry calls it while holding its lock, so persistence failures are
// reported to the mutating caller and the durable file always reflects a
// consistent snapshot. Implementations must not call back into the registry.
type Persister interface {
	SaveSnapshot(sessions []*Session) error
}

// Registry is the single in-memory owner of session records. All state
// transitions go through it; it enforces the lifecycle graph and persists
// after each mutation. The registry never talks to the backend: callers
// observe tmux first, then record what they saw here.
//
// Persistence failures do not roll back the in-memory update. Memory stays
// authoritative for the running process and the error is surfaced as a
// PersistenceError for the caller to report.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	persister Persister
}

// NewRegistry creates an empty registry. persister may be nil for tests.
func NewRegistry(persister Persister) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		persister: persister,
	}
}

// Seed loads previously persisted sessions into the registry without
// triggering a save. Used once at startup, before any other access.
func (r *Registry) Seed(sessions []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		r.sessions[s.ID] = s.Clone()
	}
}

// persistLocked saves the full session set. Caller holds the write lock.
func (r *Registry) persistLocked() error {
	if r.persister == nil {
		return nil
	}
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	if err := r.persister.SaveSnapshot(all); err != nil {
		return errors.NewPersistenceError("failed to persist session snapshot", err)
	}
	return nil
}

// Insert adds a new session record. The name must be unique among active
// records (case-insensitive); names of Completed, Failed and Killed
// sessions are free for reuse.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return errors.NewValidationError(fmt.Sprintf("session %s already registered", s.ID), errors.ErrInvalidInput)
	}
	if r.nameInUseLocked(s.Name, "") {
		return errors.NewConflictError(fmt.Sprintf("name %q already in use", s.Name), nil).WithKind("name-collision")
	}

	r.sessions[s.ID] = s.Clone()
	return r.persistLocked()
}

// transition applies a validated state change plus extra mutation under one
// lock acquisition.
func (r *Registry) transition(id string, target State, mutate func(*Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	if !s.State.CanTransition(target) {
		return nil, fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, s.State, target)
	}

	s.State = target
	if mutate != nil {
		mutate(s)
	}

	out := s.Clone()
	return out, r.persistLocked()
}

// MarkRunning moves a session into Running, clearing any previous end
// timestamp and error.
func (r *Registry) MarkRunning(id string) (*Session, error) {
	return r.transition(id, StateRunning, func(s *Session) {
		s.EndedAt = nil
		s.ErrorMessage = ""
	})
}

// MarkCompleted records a clean exit (or a vanished backend session).
func (r *Registry) MarkCompleted(id string) (*Session, error) {
	return r.transition(id, StateCompleted, func(s *Session) {
		now := time.Now()
		s.EndedAt = &now
	})
}

// MarkFailed records a non-zero exit with its detail.
func (r *Registry) MarkFailed(id, errMsg string) (*Session, error) {
	return r.transition(id, StateFailed, func(s *Session) {
		now := time.Now()
		s.EndedAt = &now
		s.ErrorMessage = errMsg
	})
}

// MarkPaused records a deliberate stop with workspace preserved.
func (r *Registry) MarkPaused(id string) (*Session, error) {
	return r.transition(id, StatePaused, func(s *Session) {
		now := time.Now()
		s.EndedAt = &now
	})
}

// MarkKilled records the terminal state. The workspace reference is cleared
// by the caller once teardown actually succeeds.
func (r *Registry) MarkKilled(id string) (*Session, error) {
	return r.transition(id, StateKilled, func(s *Session) {
		now := time.Now()
		s.EndedAt = &now
	})
}

// MarkRevived moves a revivable session back to Running and stamps
// RevivedAt for the reconciler's grace period.
func (r *Registry) MarkRevived(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	if !s.State.IsRevivable() {
		return nil, fmt.Errorf("%w: state %s", errors.ErrSessionNotRevivable, s.State)
	}
	// The terminal record freed its name; another session may have taken
	// it since.
	if r.nameInUseLocked(s.Name, s.ID) {
		return nil, errors.NewConflictError(fmt.Sprintf("name %q was reused while the session was inactive", s.Name), nil).WithKind("name-collision")
	}

	now := time.Now()
	s.State = StateRunning
	s.RevivedAt = &now
	s.EndedAt = nil
	s.ErrorMessage = ""

	out := s.Clone()
	return out, r.persistLocked()
}

// ClearWorkspace drops a session's workspace reference after teardown.
func (r *Registry) ClearWorkspace(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	s.Workspace = nil
	return r.persistLocked()
}

// SetResumeRef records the provider's conversation identifier.
func (r *Registry) SetResumeRef(id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	s.ResumeRef = ref
	return r.persistLocked()
}

// Rename changes a session's display name. The backend handle is derived
// from the immutable ID and is not touched.
func (r *Registry) Rename(id, newName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	if r.nameInUseLocked(newName, id) {
		return nil, errors.NewConflictError(fmt.Sprintf("name %q already in use", newName), nil).WithKind("name-collision")
	}

	s.Name = newName
	out := s.Clone()
	return out, r.persistLocked()
}

// Remove deletes a session record entirely (clean operation).
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}

	delete(r.sessions, id)
	return s, r.persistLocked()
}

// Get returns a copy of the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// GetByName returns a copy of the session with the given display name
// (case-insensitive). Terminal records may share a name with a live
// session; the live one wins, otherwise the newest match.
func (r *Registry) GetByName(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *Session
	for _, s := range r.sessions {
		if !strings.EqualFold(s.Name, name) {
			continue
		}
		if s.State.ReservesName() {
			return s.Clone(), nil
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, errors.ErrSessionNotFound
	}
	return newest.Clone(), nil
}

// List returns copies of all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns how many sessions currently occupy a slot.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if s.State.IsActive() {
			count++
		}
	}
	return count
}

// ReservedNames returns the names that currently block reuse: those of
// Pending, Running and Paused sessions. Terminal records do not reserve
// their name.
func (r *Registry) ReservedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State.ReservesName() {
			names = append(names, s.Name)
		}
	}
	return names
}

// NameInUse reports whether a live session already reserves the given name
// (case-insensitive).
func (r *Registry) NameInUse(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nameInUseLocked(name, "")
}

func (r *Registry) nameInUseLocked(name, excludeID string) bool {
	for _, s := range r.sessions {
		if s.ID != excludeID && s.State.ReservesName() && strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}
