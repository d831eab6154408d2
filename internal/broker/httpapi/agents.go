package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kokino/kokino/internal/broker/delivery"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/store"
)

type registerRequest struct {
	AgentID             string         `json:"agentId"`
	Kind                string         `json:"kind"`
	DeliveryMode        string         `json:"deliveryMode,omitempty"`
	Metadata            store.Metadata `json:"metadata,omitempty"`
	HeartbeatIntervalMs int64          `json:"heartbeatIntervalMs,omitempty"`
}

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	agent, err := a.store.RegisterAgent(r.Context(), store.RegisterParams{
		AgentID:             req.AgentID,
		Kind:                req.Kind,
		DeliveryMode:        req.DeliveryMode,
		Metadata:            req.Metadata,
		HeartbeatIntervalMs: req.HeartbeatIntervalMs,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.bus.Publish(events.AgentRegistered, map[string]any{
		"agentId": agent.AgentID,
		"cliKind": agent.Kind,
	})
	a.writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.store.DeleteAgent(r.Context(), agentID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.sessions.EndSession(agentID)
	if a.tmux != nil {
		a.tmux.StopAgent(agentID)
	}
	a.bus.Publish(events.AgentDeleted, map[string]any{"agentId": agentID})
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": agentID})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.store.Heartbeat(r.Context(), agentID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.bus.Publish(events.AgentHeartbeat, map[string]any{"agentId": agentID})
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type executeRequest struct {
	Prompt         string         `json:"prompt"`
	TimeoutMs      int64          `json:"timeoutMs,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Metadata       store.Metadata `json:"metadata,omitempty"`
}

// handleExecute runs one turn through the delivery router, so the
// agent's configured mode and the operator fallback switches apply.
func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req executeRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.router.Dispatch(r.Context(), delivery.Request{
		AgentID:        agentID,
		Prompt:         req.Prompt,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) handleExecuteCancel(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.runner.Cancel(agentID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"cancelled": agentID})
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	a.sessions.EndSession(agentID)
	if a.tmux != nil {
		a.tmux.StopAgent(agentID)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ended": agentID})
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	convs, err := a.store.ListAgentConversations(r.Context(), agentID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}
