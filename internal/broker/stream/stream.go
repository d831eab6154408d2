// Package stream fans lifecycle events out to WebSocket observers.
// Each subscriber has a bounded outbound queue and an optional filter
// set; slow subscribers are disconnected rather than allowed to block
// the broadcast path.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/id"
	"github.com/kokino/kokino/internal/broker/telemetry"
	"github.com/kokino/kokino/internal/metrics"
)

const subscriberQueueSize = 256

// Frame is one JSON message sent to an observer.
type Frame struct {
	Type      string         `json:"type"`
	ClientID  string         `json:"clientId,omitempty"`
	Filters   *Filters       `json:"filters,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Control frame types; everything else is an event type.
const (
	FrameConnected     = "connected"
	FrameFilterUpdated = "filter-updated"
	FrameShutdown      = "shutdown"
)

// Filters limits which event frames a subscriber receives. Empty
// slices match everything.
type Filters struct {
	Agents []string `json:"agents,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// match reports whether an event passes the filter set. Type filters
// match the base type (segment before '.') or the full type; agent
// filters match any of the well-known agent fields in the payload.
func (f *Filters) match(t events.Type, data map[string]any) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		base := t.Base()
		for _, want := range f.Types {
			if want == base || want == string(t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Agents) > 0 {
		ok := false
	agents:
		for _, want := range f.Agents {
			for _, field := range []string{"agentId", "fromAgent", "toAgent", "targetAgentId"} {
				if v, _ := data[field].(string); v == want {
					ok = true
					break agents
				}
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type subscriber struct {
	clientID string
	queue    chan Frame

	mu      sync.Mutex
	filters *Filters
}

func (s *subscriber) setFilters(f *Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = f
}

func (s *subscriber) getFilters() *Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// Monitor is the observer hub. It consumes the event bus and forwards
// matching frames to each subscriber's queue.
type Monitor struct {
	bus       *events.Bus
	telemetry *telemetry.Collector
	logger    *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
	shuttingDwn bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates the hub. Run must be called to start consuming
// the bus.
func NewMonitor(bus *events.Bus, tel *telemetry.Collector, logger *slog.Logger) *Monitor {
	return &Monitor{
		bus:         bus,
		telemetry:   tel,
		logger:      logger.With("component", "stream"),
		subscribers: make(map[string]*subscriber),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes the event bus until Shutdown. Call in a goroutine.
func (m *Monitor) Run() {
	defer close(m.done)
	sub := m.bus.Subscribe(1024)
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-m.stop:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			m.Broadcast(e.Type, e.Data)
		}
	}
}

// AddSubscriber registers a new observer and returns its id and frame
// queue. The first frame on the queue is the connected greeting. A nil
// queue is returned while shutting down.
func (m *Monitor) AddSubscriber() (string, <-chan Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDwn {
		return "", nil
	}

	clientID := id.Suffix()
	s := &subscriber{clientID: clientID, queue: make(chan Frame, subscriberQueueSize)}
	m.subscribers[clientID] = s
	metrics.WSConnectionsActive.Inc()

	s.queue <- Frame{Type: FrameConnected, ClientID: clientID, Timestamp: time.Now().UnixMilli()}
	m.logger.Debug("subscriber added", "client", clientID)
	return clientID, s.queue
}

// RemoveSubscriber drops an observer and closes its queue. Idempotent.
func (m *Monitor) RemoveSubscriber(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID)
}

func (m *Monitor) removeLocked(clientID string) {
	s, ok := m.subscribers[clientID]
	if !ok {
		return
	}
	delete(m.subscribers, clientID)
	close(s.queue)
	metrics.WSConnectionsActive.Dec()
	m.logger.Debug("subscriber removed", "client", clientID)
}

// SetFilters replaces a subscriber's filter set and confirms with a
// filter-updated frame.
func (m *Monitor) SetFilters(clientID string, f Filters) bool {
	m.mu.Lock()
	s, ok := m.subscribers[clientID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.setFilters(&f)

	frame := Frame{Type: FrameFilterUpdated, Filters: &f, Timestamp: time.Now().UnixMilli()}
	select {
	case s.queue <- frame:
	default:
	}
	return true
}

// Broadcast enqueues an event frame for every subscriber whose filters
// match. Subscribers with full queues are disconnected and a
// subscriber_lagged event is recorded.
func (m *Monitor) Broadcast(t events.Type, data map[string]any) {
	frame := Frame{Type: string(t), Data: data, Timestamp: time.Now().UnixMilli()}

	m.mu.Lock()
	var lagged []string
	for clientID, s := range m.subscribers {
		if !s.getFilters().match(t, data) {
			continue
		}
		select {
		case s.queue <- frame:
			metrics.WSMessagesTotal.Inc()
		default:
			lagged = append(lagged, clientID)
		}
	}
	for _, clientID := range lagged {
		m.removeLocked(clientID)
	}
	m.mu.Unlock()

	for _, clientID := range lagged {
		metrics.WSMessagesDropped.Inc()
		m.telemetry.Record(telemetry.Event{
			Event:    telemetry.EventSubscriberLagged,
			Metadata: map[string]any{"clientId": clientID},
		})
		m.logger.Warn("subscriber lagged, dropping", "client", clientID)
	}
}

// SubscriberCount returns the number of connected observers.
func (m *Monitor) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Shutdown notifies every subscriber and closes all queues. New
// subscriptions are refused afterwards.
func (m *Monitor) Shutdown(message string) {
	m.mu.Lock()
	if m.shuttingDwn {
		m.mu.Unlock()
		return
	}
	m.shuttingDwn = true
	frame := Frame{Type: FrameShutdown, Message: message, Timestamp: time.Now().UnixMilli()}
	ids := make([]string, 0, len(m.subscribers))
	for clientID, s := range m.subscribers {
		select {
		case s.queue <- frame:
		default:
		}
		ids = append(ids, clientID)
	}
	for _, clientID := range ids {
		m.removeLocked(clientID)
	}
	m.mu.Unlock()

	close(m.stop)
	<-m.done
}
