// Package events provides the broker's typed publish/subscribe event
// bus. Events flow from components (runner, ticket store, session
// manager, circuit breaker, monitoring) to subscribers (the WebSocket
// monitor stream, tests). The bus is nil-safe: Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
//
// The bus exists to break the reference cycle between the monitoring
// service, the telemetry collector, and the WebSocket stream: all three
// depend on the bus, never on each other.
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event. Types are hierarchical: the
// segment before the first '.' is the base type used by subscriber
// filters (e.g. "execution" matches "execution.started").
type Type string

// Ticket lifecycle.
const (
	TicketCreated   Type = "ticket.created"
	TicketDelivered Type = "ticket.delivered"
	TicketResponded Type = "ticket.responded"
	TicketTimedOut  Type = "ticket.timed-out"
	TicketCancelled Type = "ticket.cancelled"
)

// Message and conversation activity.
const (
	MessageSent      Type = "message.sent"
	ConversationTurn Type = "conversation.turn"
)

// Execution lifecycle.
const (
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
	ExecutionTimeout   Type = "execution.timeout"
	ExecutionCancelled Type = "execution.cancelled"
)

// Session lifecycle.
const (
	SessionLockAcquired Type = "session.lock-acquired"
	SessionLockTimeout  Type = "session.lock-timeout"
	SessionInitialized  Type = "session.initialized"
	SessionEnded        Type = "session.ended"
)

// Circuit breaker transitions.
const (
	CircuitOpened         Type = "circuit.opened"
	CircuitHalfOpen       Type = "circuit.half-open"
	CircuitRecovered      Type = "circuit.recovered"
	CircuitRecoveryFailed Type = "circuit.recovery-failed"
	CircuitReset          Type = "circuit.reset"
)

// Agent registry.
const (
	AgentRegistered Type = "agent.registered"
	AgentDeleted    Type = "agent.deleted"
	AgentHeartbeat  Type = "agent.heartbeat"
)

// Monitoring alerts and stream bookkeeping.
const (
	AlertRaised      Type = "alert.raised"
	SubscriberLagged Type = "subscriber.lagged"
	ShadowCompared   Type = "shadow.compared"
)

// Base returns the segment before the first '.', or the whole type if
// it has no dot.
func (t Type) Base() string {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}

// Event is one lifecycle event published on the bus.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates an event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(t Type, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Type: t, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full -- drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
