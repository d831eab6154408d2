package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/metrics"
)

type sendRequest struct {
	Origin      string         `json:"origin,omitempty"`
	Payload     string         `json:"payload"`
	Metadata    store.Metadata `json:"metadata,omitempty"`
	ExpectReply bool           `json:"expectReply,omitempty"`
	TimeoutMs   int64          `json:"timeoutMs,omitempty"`
}

// handleSend enqueues a ticket targeted at the agent in the path.
func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "agentID")
	var req sendRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ticket, err := a.store.Enqueue(r.Context(), store.EnqueueParams{
		TargetAgent: target,
		OriginAgent: req.Origin,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		ExpectReply: req.ExpectReply,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	metrics.TicketsPending.Inc()
	metrics.TicketsTotal.WithLabelValues(store.TicketPending).Inc()
	a.bus.Publish(events.TicketCreated, map[string]any{
		"ticketId":      ticket.TicketID,
		"targetAgentId": ticket.TargetAgent,
		"fromAgent":     ticket.OriginAgent,
	})
	if req.Origin != "" {
		a.bus.Publish(events.MessageSent, map[string]any{
			"fromAgent": req.Origin,
			"toAgent":   target,
			"threadId":  ticket.TicketID,
		})
	}
	a.writeJSON(w, http.StatusOK, ticket)
}

func (a *API) handlePendingTickets(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "agentID")
	if _, err := a.store.GetAgent(r.Context(), target); err != nil {
		a.writeError(w, r, err)
		return
	}
	tickets, err := a.store.GetPending(r.Context(), target)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	if err := a.store.Acknowledge(r.Context(), ticketID); err != nil {
		a.writeError(w, r, err)
		return
	}
	metrics.TicketsPending.Dec()
	metrics.TicketsTotal.WithLabelValues(store.TicketDelivered).Inc()
	a.bus.Publish(events.TicketDelivered, map[string]any{"ticketId": ticketID})
	a.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": ticketID})
}

type replyRequest struct {
	TicketID string         `json:"ticketId"`
	Payload  string         `json:"payload"`
	Origin   string         `json:"origin,omitempty"`
	Metadata store.Metadata `json:"metadata,omitempty"`
}

func (a *API) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.TicketID == "" {
		a.writeError(w, r, kinderr.New(kinderr.Validation, "ticketId is required"))
		return
	}
	updated, reverse, err := a.store.PostReply(r.Context(), req.TicketID, store.ReplyParams{
		Payload:     req.Payload,
		OriginAgent: req.Origin,
		Metadata:    req.Metadata,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	metrics.TicketsTotal.WithLabelValues(store.TicketResponded).Inc()
	a.bus.Publish(events.TicketResponded, map[string]any{
		"ticketId": updated.TicketID,
		"agentId":  updated.TargetAgent,
	})
	if reverse != nil {
		metrics.TicketsPending.Inc()
		a.bus.Publish(events.TicketCreated, map[string]any{
			"ticketId":      reverse.TicketID,
			"targetAgentId": reverse.TargetAgent,
			"fromAgent":     reverse.OriginAgent,
		})
	}

	body := map[string]any{"ticket": updated}
	if reverse != nil {
		body["reverseTicket"] = reverse
	}
	a.writeJSON(w, http.StatusOK, body)
}

type waitRequest struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

const defaultWaitTimeout = 30 * time.Second

// handleWait long-polls until the ticket reaches a terminal state.
func (a *API) handleWait(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	var req waitRequest
	if err := decodeOptional(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	out, err := a.store.Wait(r.Context(), ticketID, timeout)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":   out.Status,
		"response": out.Response,
	})
}

func (a *API) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	if err := a.store.CancelTicket(r.Context(), ticketID); err != nil {
		a.writeError(w, r, err)
		return
	}
	metrics.TicketsPending.Dec()
	metrics.TicketsTotal.WithLabelValues(store.TicketCancelled).Inc()
	a.bus.Publish(events.TicketCancelled, map[string]any{"ticketId": ticketID})
	a.writeJSON(w, http.StatusOK, map[string]any{"cancelled": ticketID})
}
