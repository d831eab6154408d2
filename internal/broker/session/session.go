// Package session serializes executions per agent. Each agent has at
// most one Session holding the CLI session id and an execution lock;
// the lock guarantees at most one concurrent execution per agent.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

// Session is the per-agent serialization context. Values returned by
// the manager are copies; all mutation goes through manager methods.
type Session struct {
	AgentID    string
	SessionID  string // agent id placeholder until the CLI reports one
	HasSession bool   // true once a real CLI session id is recorded
	Locked     bool
	// ActiveStartedAt is non-zero while an execution holds the lock.
	ActiveStartedAt time.Time
}

type sessionState struct {
	Session
	// cancelActive gracefully cancels the running child; registered by
	// the runner for the duration of one execution.
	cancelActive context.CancelFunc
}

// Manager owns all sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	logger    *slog.Logger
	telemetry *telemetry.Collector
	bus       *events.Bus

	now func() time.Time
}

// NewManager creates a session manager. telemetry and bus may be nil
// in tests.
func NewManager(logger *slog.Logger, tel *telemetry.Collector, bus *events.Bus) *Manager {
	return &Manager{
		sessions:  make(map[string]*sessionState),
		logger:    logger.With("component", "session"),
		telemetry: tel,
		bus:       bus,
		now:       time.Now,
	}
}

// newLockBackoff builds the lock-poll backoff: 100ms -> 1s, doubling,
// no jitter so the cap holds exactly.
func newLockBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// AcquireLock takes the agent's execution lock, creating the session
// on first use. Contended locks are polled with exponential backoff
// until wait elapses; on timeout the caller gets Busy with a retry
// hint. Long waiters observe a release by the previous holder, but
// strict FIFO is not guaranteed.
func (m *Manager) AcquireLock(ctx context.Context, agentID string, wait time.Duration) (Session, error) {
	start := m.now()
	deadline := start.Add(wait)
	b := newLockBackoff()

	for {
		m.mu.Lock()
		st := m.sessions[agentID]
		if st == nil {
			st = &sessionState{Session: Session{AgentID: agentID, SessionID: agentID}}
			m.sessions[agentID] = st
		}
		if !st.Locked {
			st.Locked = true
			st.ActiveStartedAt = m.now()
			snap := st.Session
			m.mu.Unlock()

			waitedMs := m.now().Sub(start).Milliseconds()
			m.telemetry.Record(telemetry.Event{
				Event:      telemetry.EventLockAcquired,
				AgentID:    agentID,
				DurationMs: telemetry.Dur(waitedMs),
			})
			m.bus.Publish(events.SessionLockAcquired, map[string]any{
				"agentId":  agentID,
				"waitedMs": waitedMs,
			})
			return snap, nil
		}
		m.mu.Unlock()

		interval := b.NextBackOff()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if interval > remaining {
			interval = remaining
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Session{}, ctx.Err()
		case <-timer.C:
		}
	}

	m.telemetry.Record(telemetry.Event{Event: telemetry.EventLockTimeout, AgentID: agentID})
	m.bus.Publish(events.SessionLockTimeout, map[string]any{"agentId": agentID})
	return Session{}, kinderr.BusyAfter("agent "+agentID+" is busy", time.Second)
}

// ReleaseLock clears the lock and active execution. Idempotent; the
// session id and initialization flag are preserved.
func (m *Manager) ReleaseLock(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[agentID]
	if st == nil {
		return
	}
	st.Locked = false
	st.ActiveStartedAt = time.Time{}
	st.cancelActive = nil
}

// MarkSessionInitialized records the real CLI session id. One-shot: a
// different id observed later leaves the first one intact.
func (m *Manager) MarkSessionInitialized(agentID, realSessionID string) {
	if realSessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[agentID]
	if st == nil {
		st = &sessionState{Session: Session{AgentID: agentID, SessionID: agentID}}
		m.sessions[agentID] = st
	}
	if st.HasSession {
		return
	}
	st.SessionID = realSessionID
	st.HasSession = true
	m.bus.Publish(events.SessionInitialized, map[string]any{
		"agentId":   agentID,
		"sessionId": realSessionID,
	})
}

// RegisterCancel installs the graceful-cancel hook for the execution
// currently holding the lock.
func (m *Manager) RegisterCancel(agentID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.sessions[agentID]; st != nil {
		st.cancelActive = cancel
	}
}

// CancelExecution gracefully cancels the agent's active execution.
// The supervisor escalates SIGTERM to SIGKILL after its 5 s grace.
func (m *Manager) CancelExecution(agentID string) error {
	m.mu.Lock()
	st := m.sessions[agentID]
	if st == nil {
		m.mu.Unlock()
		return kinderr.Newf(kinderr.NotFound, "no session for agent %s", agentID)
	}
	cancel := st.cancelActive
	m.mu.Unlock()

	if cancel == nil {
		return kinderr.Newf(kinderr.Conflict, "agent %s has no active execution", agentID)
	}
	cancel()

	m.telemetry.Record(telemetry.Event{Event: telemetry.EventExecutionCancelled, AgentID: agentID})
	m.bus.Publish(events.ExecutionCancelled, map[string]any{"agentId": agentID})
	return nil
}

// EndSession cancels any active execution and drops the session.
func (m *Manager) EndSession(agentID string) {
	m.mu.Lock()
	st := m.sessions[agentID]
	var cancel context.CancelFunc
	if st != nil {
		cancel = st.cancelActive
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()

	if st == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	m.bus.Publish(events.SessionEnded, map[string]any{"agentId": agentID})
}

// CleanupStale ends sessions whose active execution has been running
// longer than maxAge. Returns the number of sessions ended.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for agentID, st := range m.sessions {
		if !st.ActiveStartedAt.IsZero() && st.ActiveStartedAt.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	m.mu.Unlock()

	for _, agentID := range stale {
		m.logger.Warn("ending stale session", "agent", agentID)
		m.EndSession(agentID)
	}
	return len(stale)
}

// EndAll drops every session, cancelling active executions. Called at
// shutdown.
func (m *Manager) EndAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for agentID := range m.sessions {
		ids = append(ids, agentID)
	}
	m.mu.Unlock()

	for _, agentID := range ids {
		m.EndSession(agentID)
	}
}

// Get returns a copy of the agent's session.
func (m *Manager) Get(agentID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[agentID]
	if st == nil {
		return Session{}, false
	}
	return st.Session, true
}
