package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/muxkeep/muxkeep/internal/logging"
	"github.com/muxkeep/muxkeep/internal/session"
)

// Loop periodically reconciles every active session against its backend. A
// slow heartbeat covers steady state; Burst switches to a fast cadence for a
// bounded window after operations that are about to change the world.
type Loop struct {
	registry *session.Registry
	backend  Backend
	bus      *event.Bus
	logger   *logging.Logger
	prefix   string

	heartbeat     time.Duration
	burstInterval time.Duration
	burstDuration time.Duration
	grace         time.Duration

	// journal, when set, receives every terminal transition the loop
	// applies, so the history file gets its line no matter who observed
	// the exit.
	journal func(s *session.Session, reason string)

	mu         sync.Mutex
	inflight   map[string]bool
	burstUntil time.Time

	burstCh chan struct{}
	cancel  context.CancelFunc
	runDone sync.WaitGroup
	checks  sync.WaitGroup
}

// NewLoop builds a reconciliation loop. The bus may be nil.
func NewLoop(cfg config.ReconcileConfig, prefix string, registry *session.Registry, backend Backend, bus *event.Bus, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Loop{
		registry:      registry,
		backend:       backend,
		bus:           bus,
		logger:        logger.WithComponent("reconcile"),
		prefix:        prefix,
		heartbeat:     cfg.HeartbeatInterval(),
		burstInterval: cfg.BurstInterval(),
		burstDuration: cfg.BurstDuration(),
		grace:         cfg.RevivalGrace(),
		inflight:      make(map[string]bool),
		burstCh:       make(chan struct{}, 1),
	}
}

// SetJournal registers a sink for terminal transitions applied by the loop.
// Must be called before Start.
func (l *Loop) SetJournal(fn func(s *session.Session, reason string)) {
	l.journal = fn
}

// Start launches the loop. Stop must be called exactly once afterwards.
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.runDone.Add(1)
	go l.run(ctx)
}

// Stop cancels the loop and waits for in-flight checks to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.runDone.Wait()
	l.checks.Wait()
}

// Burst requests the fast cadence for the configured window. Safe to call
// from any goroutine, including before Start.
func (l *Loop) Burst() {
	l.mu.Lock()
	l.burstUntil = time.Now().Add(l.burstDuration)
	l.mu.Unlock()

	select {
	case l.burstCh <- struct{}{}:
	default:
	}
}

func (l *Loop) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Now().Before(l.burstUntil) {
		return l.burstInterval
	}
	return l.heartbeat
}

func (l *Loop) run(ctx context.Context) {
	defer l.runDone.Done()

	timer := time.NewTimer(l.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.burstCh:
			// Re-arm immediately so the fast window takes effect
			// without waiting out the slow interval.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			l.sweep(ctx, false)
		}
		timer.Reset(l.interval())
	}
}

// RunOnce sweeps every active session and waits for all checks to complete.
// Returns the sessions whose state changed.
func (l *Loop) RunOnce(ctx context.Context) []*session.Session {
	return l.sweep(ctx, true)
}

// sweep dispatches one check per active session. Sessions already being
// checked are skipped; different sessions proceed concurrently.
func (l *Loop) sweep(ctx context.Context, wait bool) []*session.Session {
	var (
		mu      sync.Mutex
		changed []*session.Session
		wg      sync.WaitGroup
	)

	for _, s := range l.registry.List() {
		if !s.State.IsActive() {
			continue
		}
		s := s
		if !l.claim(s.ID) {
			continue
		}
		l.checks.Add(1)
		wg.Add(1)
		go func() {
			defer l.checks.Done()
			defer wg.Done()
			defer l.release(s.ID)
			if updated := l.check(ctx, s); updated != nil {
				mu.Lock()
				changed = append(changed, updated)
				mu.Unlock()
			}
		}()
	}

	if wait {
		wg.Wait()
	}
	return changed
}

func (l *Loop) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[id] {
		return false
	}
	l.inflight[id] = true
	return true
}

func (l *Loop) release(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// check detects one session's backend state and applies any change. Returns
// the updated record, or nil when nothing changed.
func (l *Loop) check(ctx context.Context, s *session.Session) *session.Session {
	res := Detect(ctx, l.backend, s.Handle(l.prefix))
	if res.Err != nil {
		// Keep the last known state; a backend hiccup is not evidence
		// of anything.
		l.logger.Warn("reconciliation check failed", "session_id", s.ID, "error", res.Err)
		return nil
	}
	if res.State == s.State {
		return nil
	}

	// A freshly revived pane can briefly report dead while its command
	// starts up. Within the grace window only a Running observation is
	// trusted.
	if res.State != session.StateRunning && l.withinGrace(s) {
		l.logger.Debug("ignoring dead pane within revival grace", "session_id", s.ID)
		return nil
	}

	var (
		updated *session.Session
		err     error
		reason  string
	)
	switch res.State {
	case session.StateRunning:
		reason = "backend alive"
		updated, err = l.registry.MarkRunning(s.ID)
	case session.StateCompleted:
		reason = "backend exited"
		updated, err = l.registry.MarkCompleted(s.ID)
	case session.StateFailed:
		reason = fmt.Sprintf("backend exited with status %d", *res.ExitCode)
		updated, err = l.registry.MarkFailed(s.ID, reason)
	default:
		return nil
	}
	if err != nil {
		// The session may have been mutated concurrently (killed,
		// cleaned) between List and here. Persistence failures keep
		// memory authoritative.
		l.logger.Warn("could not apply reconciled state",
			"session_id", s.ID, "state", res.State, "error", err)
		if updated == nil {
			return nil
		}
	}

	l.logger.Info("session state reconciled",
		"session_id", s.ID, "from", s.State, "to", updated.State, "confidence", res.Confidence)
	if l.bus != nil {
		l.bus.Publish(event.NewSessionStateChangedEvent(s.ID, s.Name, string(s.State), string(updated.State), reason))
	}
	if l.journal != nil && updated.State != session.StateRunning {
		l.journal(updated, reason)
	}
	return updated
}

func (l *Loop) withinGrace(s *session.Session) bool {
	return s.RevivedAt != nil && time.Since(*s.RevivedAt) < l.grace
}
