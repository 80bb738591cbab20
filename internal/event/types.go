// Package event defines the typed notifications muxkeep emits as sessions
// move through their lifecycle. The bus decouples the engine from whatever
// front end consumes the notifications (CLI watch loop, scripts, tests).
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.created", "session.state_changed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionCreatedEvent is emitted after the creation pipeline registers a
// session and its backend session is running.
type SessionCreatedEvent struct {
	baseEvent
	SessionID string // Unique identifier for the session
	Name      string // Human-chosen session name
	Provider  string // Provider running inside the session
	Handle    string // Backend (tmux) session name
	Workspace string // Isolated workspace path, empty when non-isolated
}

// NewSessionCreatedEvent creates a SessionCreatedEvent.
func NewSessionCreatedEvent(sessionID, name, provider, handle, workspace string) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent: newBaseEvent("session.created"),
		SessionID: sessionID,
		Name:      name,
		Provider:  provider,
		Handle:    handle,
		Workspace: workspace,
	}
}

// SessionStateChangedEvent is emitted whenever the reconciler (or a manual
// lifecycle operation) moves a session to a new state.
type SessionStateChangedEvent struct {
	baseEvent
	SessionID string
	Name      string
	From      string // Previous state name
	To        string // New state name
	Reason    string // Why the transition happened (e.g., "exit status 1")
}

// NewSessionStateChangedEvent creates a SessionStateChangedEvent.
func NewSessionStateChangedEvent(sessionID, name, from, to, reason string) SessionStateChangedEvent {
	return SessionStateChangedEvent{
		baseEvent: newBaseEvent("session.state_changed"),
		SessionID: sessionID,
		Name:      name,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// SessionPausedEvent is emitted when a session is paused: its backend
// session is gone but its workspace is preserved for later revival.
type SessionPausedEvent struct {
	baseEvent
	SessionID string
	Name      string
}

// NewSessionPausedEvent creates a SessionPausedEvent.
func NewSessionPausedEvent(sessionID, name string) SessionPausedEvent {
	return SessionPausedEvent{
		baseEvent: newBaseEvent("session.paused"),
		SessionID: sessionID,
		Name:      name,
	}
}

// SessionKilledEvent is emitted when a session is killed: backend session
// and workspace are both destroyed and the session is terminal.
type SessionKilledEvent struct {
	baseEvent
	SessionID string
	Name      string
}

// NewSessionKilledEvent creates a SessionKilledEvent.
func NewSessionKilledEvent(sessionID, name string) SessionKilledEvent {
	return SessionKilledEvent{
		baseEvent: newBaseEvent("session.killed"),
		SessionID: sessionID,
		Name:      name,
	}
}

// SessionRevivedEvent is emitted when a paused, completed, or failed session
// is brought back with a fresh backend session.
type SessionRevivedEvent struct {
	baseEvent
	SessionID string
	Name      string
	Resumed   bool // Whether provider context was resumed vs a fresh start
}

// NewSessionRevivedEvent creates a SessionRevivedEvent.
func NewSessionRevivedEvent(sessionID, name string, resumed bool) SessionRevivedEvent {
	return SessionRevivedEvent{
		baseEvent: newBaseEvent("session.revived"),
		SessionID: sessionID,
		Name:      name,
		Resumed:   resumed,
	}
}

// SessionRenamedEvent is emitted when a session's display name changes.
// The backend handle keeps its original derived name.
type SessionRenamedEvent struct {
	baseEvent
	SessionID string
	OldName   string
	NewName   string
}

// NewSessionRenamedEvent creates a SessionRenamedEvent.
func NewSessionRenamedEvent(sessionID, oldName, newName string) SessionRenamedEvent {
	return SessionRenamedEvent{
		baseEvent: newBaseEvent("session.renamed"),
		SessionID: sessionID,
		OldName:   oldName,
		NewName:   newName,
	}
}

// SessionCleanedEvent is emitted when a non-active session's record is
// removed and archived to the history journal.
type SessionCleanedEvent struct {
	baseEvent
	SessionID string
	Name      string
	LastState string
}

// NewSessionCleanedEvent creates a SessionCleanedEvent.
func NewSessionCleanedEvent(sessionID, name, lastState string) SessionCleanedEvent {
	return SessionCleanedEvent{
		baseEvent: newBaseEvent("session.cleaned"),
		SessionID: sessionID,
		Name:      name,
		LastState: lastState,
	}
}

// SessionAdoptedEvent is emitted when an externally created backend session
// is brought under management.
type SessionAdoptedEvent struct {
	baseEvent
	SessionID string
	Name      string
	Handle    string
}

// NewSessionAdoptedEvent creates a SessionAdoptedEvent.
func NewSessionAdoptedEvent(sessionID, name, handle string) SessionAdoptedEvent {
	return SessionAdoptedEvent{
		baseEvent: newBaseEvent("session.adopted"),
		SessionID: sessionID,
		Name:      name,
		Handle:    handle,
	}
}

// -----------------------------------------------------------------------------
// Advisory Events
// -----------------------------------------------------------------------------

// WorkspaceWarningEvent is emitted when workspace provisioning failed and
// creation proceeded without isolation, or when teardown left resources
// behind. It is advisory: the session itself is healthy.
type WorkspaceWarningEvent struct {
	baseEvent
	SessionID string
	Name      string
	Message   string
}

// NewWorkspaceWarningEvent creates a WorkspaceWarningEvent.
func NewWorkspaceWarningEvent(sessionID, name, message string) WorkspaceWarningEvent {
	return WorkspaceWarningEvent{
		baseEvent: newBaseEvent("workspace.warning"),
		SessionID: sessionID,
		Name:      name,
		Message:   message,
	}
}
