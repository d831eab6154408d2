package store

import "sync"

// TicketOutcome is delivered to long-poll waiters when a ticket
// reaches a terminal state.
type TicketOutcome struct {
	Status   string  `json:"status"`
	Response *string `json:"response,omitempty"`
}

// waiterTable holds in-memory rendezvous channels for ticket waiters.
// Each channel is single-shot: resolve sends the outcome to every
// registered waiter and clears the entry. Registration must happen
// before the status re-check in Wait so a concurrent resolve cannot be
// missed.
type waiterTable struct {
	mu sync.Mutex
	m  map[string][]chan TicketOutcome
}

func newWaiterTable() *waiterTable {
	return &waiterTable{m: make(map[string][]chan TicketOutcome)}
}

// register adds a waiter for ticketID and returns its channel. The
// channel is buffered so resolve never blocks.
func (w *waiterTable) register(ticketID string) chan TicketOutcome {
	ch := make(chan TicketOutcome, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[ticketID] = append(w.m[ticketID], ch)
	return ch
}

// unregister removes a waiter that gave up (deadline or cancellation).
func (w *waiterTable) unregister(ticketID string, ch chan TicketOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiters := w.m[ticketID]
	for i, c := range waiters {
		if c == ch {
			w.m[ticketID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(w.m[ticketID]) == 0 {
		delete(w.m, ticketID)
	}
}

// resolve delivers the outcome to all waiters on ticketID and removes
// them. All waiters observe the same outcome.
func (w *waiterTable) resolve(ticketID string, out TicketOutcome) {
	w.mu.Lock()
	waiters := w.m[ticketID]
	delete(w.m, ticketID)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- out
	}
}

// pendingCount reports registered waiters, for tests.
func (w *waiterTable) pendingCount(ticketID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m[ticketID])
}
