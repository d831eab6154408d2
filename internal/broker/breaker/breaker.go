// Package breaker isolates repeatedly failing agents behind a
// per-agent circuit breaker. Repeated upstream failures open the
// circuit; after the reset window one probe is admitted, and its
// outcome decides between closing again and re-opening.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/telemetry"
	"github.com/kokino/kokino/internal/metrics"
)

// State of one circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "halfOpen"
	default:
		return "closed"
	}
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	ResetTime        time.Duration
}

// DefaultConfig matches production defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTime: 60 * time.Second}
}

type circuit struct {
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probeInFlight bool
}

// Breaker holds all per-agent circuits.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit

	logger    *slog.Logger
	telemetry *telemetry.Collector
	bus       *events.Bus

	now func() time.Time
}

// New creates a breaker. telemetry and bus may be nil in tests.
func New(cfg Config, logger *slog.Logger, tel *telemetry.Collector, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTime <= 0 {
		cfg.ResetTime = 60 * time.Second
	}
	return &Breaker{
		cfg:       cfg,
		circuits:  make(map[string]*circuit),
		logger:    logger.With("component", "breaker"),
		telemetry: tel,
		bus:       bus,
		now:       time.Now,
	}
}

// Execute runs action under the agent's circuit. Open circuits reject
// with Busy carrying the remaining open time; a half-open circuit
// admits exactly one probe at a time. The action's error is returned
// unchanged after the circuit is updated.
func (b *Breaker) Execute(agentID string, action func() error) error {
	b.mu.Lock()
	c := b.circuit(agentID)

	if c.state == Open {
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.cfg.ResetTime {
			remaining := b.cfg.ResetTime - elapsed
			b.mu.Unlock()
			return kinderr.BusyAfter("circuit open for agent "+agentID, remaining)
		}
		c.state = HalfOpen
		c.probeInFlight = false
		b.mu.Unlock()
		b.transition(agentID, events.CircuitHalfOpen, nil)
		b.mu.Lock()
	}

	if c.state == HalfOpen {
		if c.probeInFlight {
			b.mu.Unlock()
			return kinderr.BusyAfter("recovery probe in flight for agent "+agentID, time.Second)
		}
		c.probeInFlight = true
	}
	b.mu.Unlock()

	err := action()

	b.mu.Lock()
	wasHalfOpen := c.state == HalfOpen
	c.probeInFlight = false
	if err == nil {
		c.failures = 0
		c.state = Closed
		b.mu.Unlock()
		if wasHalfOpen {
			b.transition(agentID, events.CircuitRecovered, map[string]any{"agentId": agentID})
			b.telemetry.Record(telemetry.Event{Event: telemetry.EventCircuitRecovered, AgentID: agentID})
		}
		return nil
	}

	c.failures++
	c.lastFailureAt = b.now()
	if wasHalfOpen {
		c.state = Open
		c.openedAt = b.now()
		b.mu.Unlock()
		b.transition(agentID, events.CircuitRecoveryFailed, map[string]any{"agentId": agentID})
		b.telemetry.Record(telemetry.Event{Event: telemetry.EventCircuitRecoveryFailed, AgentID: agentID})
		return err
	}
	if c.state == Closed && c.failures >= b.cfg.FailureThreshold {
		c.state = Open
		c.openedAt = b.now()
		failures := c.failures
		b.mu.Unlock()
		b.logger.Warn("circuit opened", "agent", agentID, "failures", failures)
		b.transition(agentID, events.CircuitOpened, map[string]any{"agentId": agentID, "failures": failures})
		b.telemetry.Record(telemetry.Event{Event: telemetry.EventCircuitOpened, AgentID: agentID})
		return err
	}
	b.mu.Unlock()
	return err
}

// Reset manually closes the agent's circuit. The next Execute runs
// its action regardless of prior state.
func (b *Breaker) Reset(agentID string) {
	b.mu.Lock()
	c := b.circuit(agentID)
	c.state = Closed
	c.failures = 0
	c.probeInFlight = false
	b.mu.Unlock()
	b.transition(agentID, events.CircuitReset, map[string]any{"agentId": agentID})
}

// StateOf reports the agent's current circuit state, accounting for
// an elapsed reset window.
func (b *Breaker) StateOf(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[agentID]
	if c == nil {
		return Closed
	}
	if c.state == Open && b.now().Sub(c.openedAt) >= b.cfg.ResetTime {
		return HalfOpen
	}
	return c.state
}

// Snapshot describes one circuit for operator endpoints.
type Snapshot struct {
	AgentID       string `json:"agentId"`
	State         string `json:"state"`
	Failures      int    `json:"failures"`
	LastFailureAt int64  `json:"lastFailureAt,omitempty"`
}

// Snapshots lists all known circuits.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.circuits))
	for agentID, c := range b.circuits {
		s := Snapshot{AgentID: agentID, State: c.state.String(), Failures: c.failures}
		if !c.lastFailureAt.IsZero() {
			s.LastFailureAt = c.lastFailureAt.UnixMilli()
		}
		out = append(out, s)
	}
	return out
}

// circuit returns the agent's circuit, creating it closed. Caller
// holds b.mu.
func (b *Breaker) circuit(agentID string) *circuit {
	c := b.circuits[agentID]
	if c == nil {
		c = &circuit{}
		b.circuits[agentID] = c
	}
	return c
}

func (b *Breaker) transition(agentID string, t events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{"agentId": agentID}
	}
	switch t {
	case events.CircuitOpened, events.CircuitRecoveryFailed:
		metrics.CircuitTransitions.WithLabelValues("open").Inc()
	case events.CircuitHalfOpen:
		metrics.CircuitTransitions.WithLabelValues("halfOpen").Inc()
	case events.CircuitRecovered, events.CircuitReset:
		metrics.CircuitTransitions.WithLabelValues("closed").Inc()
	}
	b.bus.Publish(t, data)
}
