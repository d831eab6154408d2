package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	conv, err := a.store.GetConversation(r.Context(), convID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	turns, err := a.store.GetTurns(r.Context(), convID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"turns":        turns,
	})
}

func (a *API) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if err := a.store.DeleteConversation(r.Context(), convID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": convID})
}

// handleTimeline serves the unified message+turn feed. Filters come
// from query parameters: from, to, agents, types, threadId, limit,
// offset.
func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TimelineFilter{
		From:     q.Get("from"),
		To:       q.Get("to"),
		ThreadID: q.Get("threadId"),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	if v := q.Get("agents"); v != "" {
		f.Agents = strings.Split(v, ",")
	}
	if v := q.Get("types"); v != "" {
		f.Types = strings.Split(v, ",")
	}

	entries, err := a.store.Timeline(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

func (a *API) handleInteractions(w http.ResponseWriter, r *http.Request) {
	timeRange := r.URL.Query().Get("timeRange")
	if timeRange == "" {
		timeRange = "day"
	}
	graph, err := a.store.Interactions(r.Context(), timeRange)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, graph)
}

// windowHours reads the window query parameter, defaulting to 24h.
func windowHours(r *http.Request) int {
	return queryInt(r, "window", 24)
}

func (a *API) handleMetricsDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.telemetry.Snapshot(windowHours(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d)
}

func (a *API) handleMetricsPerformance(w http.ResponseWriter, r *http.Request) {
	stats, err := a.telemetry.PerformanceByKind(windowHours(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"kinds": stats})
}

func (a *API) handleMetricsEndpoints(w http.ResponseWriter, r *http.Request) {
	stats, err := a.telemetry.EndpointPercentiles(windowHours(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"endpoints": stats})
}

// handleMetricsSLO returns one error budget, or all of them when no
// sli parameter is given.
func (a *API) handleMetricsSLO(w http.ResponseWriter, r *http.Request) {
	window := windowHours(r)
	if sli := r.URL.Query().Get("sli"); sli != "" {
		name, ok := telemetry.ParseSLI(sli)
		if !ok {
			a.writeError(w, r, kinderr.Newf(kinderr.Validation, "unknown SLI %q", sli))
			return
		}
		b, err := a.telemetry.ErrorBudget(name, window)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusOK, b)
		return
	}

	budgets, err := a.telemetry.AllBudgets(window)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (a *API) handleMetricsErrors(w http.ResponseWriter, r *http.Request) {
	entries, err := a.telemetry.RecentErrors(windowHours(r), queryInt(r, "limit", 100))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

func (a *API) handleMetricsRate(w http.ResponseWriter, r *http.Request) {
	rate, err := a.telemetry.RequestRate(windowHours(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"rate": rate})
}

type cleanupRequest struct {
	RetentionDays int `json:"retentionDays,omitempty"`
}

func (a *API) handleMetricsCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeOptional(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.RetentionDays <= 0 {
		req.RetentionDays = 30
	}
	n, err := a.telemetry.Cleanup(req.RetentionDays)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (a *API) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := a.store.RunIntegrityCheck(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !report.Clean() {
		a.telemetry.Record(telemetry.Event{
			Event: telemetry.EventIntegrityCheckFailed,
			Metadata: map[string]any{
				"orphans":       len(report.Orphans),
				"conversations": len(report.Conversations),
			},
		})
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleGetFallback(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.fallback.Snapshot())
}

type fallbackRequest struct {
	Kind     string `json:"kind,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Forced   bool   `json:"forced,omitempty"`
}

// handleSetFallback toggles one override: a CLI kind's headless
// delivery, or an agent's forced-tmux flag.
func (a *API) handleSetFallback(w http.ResponseWriter, r *http.Request) {
	var req fallbackRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	switch {
	case req.Kind != "":
		a.fallback.SetKindDisabled(req.Kind, req.Disabled)
	case req.AgentID != "":
		a.fallback.SetAgentForced(req.AgentID, req.Forced)
	default:
		a.writeError(w, r, kinderr.New(kinderr.Validation, "kind or agentId is required"))
		return
	}
	a.writeJSON(w, http.StatusOK, a.fallback.Snapshot())
}

func (a *API) handleShadowComparisons(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	window := time.Duration(queryInt(r, "window", 24)) * time.Hour

	stats, err := a.store.GetShadowStats(r.Context(), agentID, window)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	mismatches, err := a.store.ListShadowMismatches(r.Context(), agentID, queryInt(r, "limit", 50))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"stats":      stats,
		"mismatches": mismatches,
	})
}

func (a *API) handleCircuits(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"circuits": a.breaker.Snapshots()})
}
