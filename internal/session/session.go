// Package session holds muxkeep's session model: the record describing one
// managed unit of work, its lifecycle state machine, the in-memory registry
// that owns all mutations, and the durable store behind it.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is a session's lifecycle state.
type State string

const (
	// StatePending is a session being created; its backend session is not
	// yet confirmed running.
	StatePending State = "pending"
	// StateRunning is a session with a live backend process.
	StateRunning State = "running"
	// StateCompleted is a session whose process exited cleanly, or whose
	// backend session disappeared entirely.
	StateCompleted State = "completed"
	// StateFailed is a session whose process exited non-zero.
	StateFailed State = "failed"
	// StatePaused is a session deliberately stopped with its workspace
	// preserved for revival.
	StatePaused State = "paused"
	// StateKilled is terminal: backend session and workspace are gone.
	StateKilled State = "killed"
)

// String returns the state's wire name.
func (s State) String() string { return string(s) }

// IsActive reports whether the session occupies a slot against the
// session limit.
func (s State) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// ReservesName reports whether a session in this state keeps its display
// name reserved. Completed, Failed and Killed records free their name for
// reuse by new sessions.
func (s State) ReservesName() bool {
	return s == StatePending || s == StateRunning || s == StatePaused
}

// IsRevivable reports whether a session in this state may be revived.
func (s State) IsRevivable() bool {
	return s == StateCompleted || s == StateFailed || s == StatePaused
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateKilled
}

// transitions is the session lifecycle graph. Revival is the only edge
// back into Running.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateFailed, StateKilled},
	StateRunning:   {StateCompleted, StateFailed, StatePaused, StateKilled},
	StateCompleted: {StateRunning, StateKilled},
	StateFailed:    {StateRunning, StateKilled},
	StatePaused:    {StateRunning, StateKilled},
	StateKilled:    {},
}

// CanTransition reports whether moving from s to target is legal.
func (s State) CanTransition(target State) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// WorkspaceRef points at a session's isolated git worktree.
type WorkspaceRef struct {
	// Path is the worktree directory.
	Path string `json:"path"`
	// Branch is the worktree's dedicated branch.
	Branch string `json:"branch"`
	// SourceRepo is the repository the worktree was created from.
	SourceRepo string `json:"source_repo"`
}

// Session is the durable record for one managed unit of work.
type Session struct {
	// ID is the stable unique identifier; the backend handle derives
	// from its first eight characters.
	ID string `json:"id"`
	// Name is the human-chosen display name. Renames change only this.
	Name string `json:"name"`
	// Provider identifies what runs inside the session (claude, codex,
	// gemini, shell).
	Provider string `json:"provider"`
	// Prompt is the initial instruction given to the provider.
	Prompt string `json:"prompt,omitempty"`
	// State is the current lifecycle state.
	State State `json:"state"`
	// CreatedAt is when the session record was created.
	CreatedAt time.Time `json:"created_at"`
	// EndedAt is when the session last left Running, nil while active.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// RevivedAt is when the session was last revived, nil if never.
	// The reconciler's grace period keys off this.
	RevivedAt *time.Time `json:"revived_at,omitempty"`
	// WorkDir is where the session's process runs. Equals the workspace
	// path for isolated sessions.
	WorkDir string `json:"work_dir,omitempty"`
	// Workspace is the isolated worktree, nil for non-isolated sessions.
	Workspace *WorkspaceRef `json:"workspace,omitempty"`
	// ErrorMessage carries the failure detail for Failed sessions.
	ErrorMessage string `json:"error_message,omitempty"`
	// ResumeRef is the provider's conversation identifier used by revive
	// to resume context. Best-effort; empty means resume by continuation.
	ResumeRef string `json:"resume_ref,omitempty"`
	// Adopted marks sessions created outside muxkeep and brought under
	// management. Adopted sessions have no workspace to destroy.
	Adopted bool `json:"adopted,omitempty"`
	// ExternalHandle is the tmux name of an adopted session. Empty for
	// sessions muxkeep spawned itself, whose handle derives from the ID.
	ExternalHandle string `json:"external_handle,omitempty"`
}

// New creates a Pending session with a fresh ID.
func New(name, provider, prompt string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Provider:  provider,
		Prompt:    prompt,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
}

// TmuxName derives the backend session name from a configured prefix and a
// session ID. Only the ID's first eight characters are used, keeping handles
// short while staying collision-free in practice. The handle never changes
// after creation; renames are display-only.
func TmuxName(prefix, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "-" + short
}

// Handle returns the session's backend name under the given prefix. Adopted
// sessions keep the tmux name they were adopted with.
func (s *Session) Handle(prefix string) string {
	if s.ExternalHandle != "" {
		return s.ExternalHandle
	}
	return TmuxName(prefix, s.ID)
}

// Clone returns a deep copy safe to hand outside the registry.
func (s *Session) Clone() *Session {
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.RevivedAt != nil {
		t := *s.RevivedAt
		out.RevivedAt = &t
	}
	if s.Workspace != nil {
		ws := *s.Workspace
		out.Workspace = &ws
	}
	return &out
}
