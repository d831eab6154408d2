// Package httpapi exposes the broker over HTTP: agent registration,
// ticket flow, execution, conversations, monitoring queries, operator
// switches, and the WebSocket observer endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kokino/kokino/internal/broker/breaker"
	"github.com/kokino/kokino/internal/broker/delivery"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/fallback"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/runner"
	"github.com/kokino/kokino/internal/broker/session"
	"github.com/kokino/kokino/internal/broker/shadow"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/stream"
	"github.com/kokino/kokino/internal/broker/telemetry"
	"github.com/kokino/kokino/internal/logging"
	"github.com/kokino/kokino/internal/metrics"
)

// API holds the handler dependencies.
type API struct {
	store     *store.Store
	telemetry *telemetry.Collector
	sessions  *session.Manager
	breaker   *breaker.Breaker
	fallback  *fallback.Controller
	router    *delivery.Router
	runner    *runner.Runner
	shadow    *shadow.Controller
	monitor   *stream.Monitor
	tmux      *delivery.TmuxProvider
	bus       *events.Bus
	logger    *slog.Logger
}

// Deps bundles the API's collaborators. shadow, tmux and monitor may
// be nil; the corresponding endpoints then return 404.
type Deps struct {
	Store     *store.Store
	Telemetry *telemetry.Collector
	Sessions  *session.Manager
	Breaker   *breaker.Breaker
	Fallback  *fallback.Controller
	Router    *delivery.Router
	Runner    *runner.Runner
	Shadow    *shadow.Controller
	Monitor   *stream.Monitor
	Tmux      *delivery.TmuxProvider
	Bus       *events.Bus
	Logger    *slog.Logger
}

// New creates the API.
func New(d Deps) *API {
	return &API{
		store:     d.Store,
		telemetry: d.Telemetry,
		sessions:  d.Sessions,
		breaker:   d.Breaker,
		fallback:  d.Fallback,
		router:    d.Router,
		runner:    d.Runner,
		shadow:    d.Shadow,
		monitor:   d.Monitor,
		tmux:      d.Tmux,
		bus:       d.Bus,
		logger:    d.Logger.With("component", "httpapi"),
	}
}

// Routes builds the chi router with logging, metrics, and telemetry
// middleware applied.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.HTTPMiddleware)
	r.Use(metrics.HTTPMiddleware)
	r.Use(a.telemetryMiddleware)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/register", a.handleRegisterAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Delete("/", a.handleDeleteAgent)
			r.Post("/heartbeat", a.handleHeartbeat)
			r.Post("/send", a.handleSend)
			r.Get("/tickets/pending", a.handlePendingTickets)
			r.Post("/execute", a.handleExecute)
			r.Post("/execute/cancel", a.handleExecuteCancel)
			r.Post("/end-session", a.handleEndSession)
			r.Get("/conversations", a.handleListConversations)
		})
	})

	r.Route("/tickets/{ticketID}", func(r chi.Router) {
		r.Post("/acknowledge", a.handleAcknowledge)
		r.Post("/wait", a.handleWait)
		r.Post("/cancel", a.handleCancelTicket)
	})
	r.Post("/replies", a.handleReply)

	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/", a.handleGetConversation)
		r.Delete("/", a.handleDeleteConversation)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/monitoring/timeline", a.handleTimeline)
		r.Get("/monitoring/interactions", a.handleInteractions)

		r.Get("/metrics/dashboard", a.handleMetricsDashboard)
		r.Get("/metrics/performance", a.handleMetricsPerformance)
		r.Get("/metrics/endpoints", a.handleMetricsEndpoints)
		r.Get("/metrics/slo", a.handleMetricsSLO)
		r.Get("/metrics/errors", a.handleMetricsErrors)
		r.Get("/metrics/rate", a.handleMetricsRate)
		r.Post("/metrics/cleanup", a.handleMetricsCleanup)

		r.Get("/integrity", a.handleIntegrity)
		r.Get("/fallback", a.handleGetFallback)
		r.Post("/fallback", a.handleSetFallback)
		r.Get("/shadow/comparisons", a.handleShadowComparisons)
		r.Get("/circuits", a.handleCircuits)
	})

	if a.monitor != nil {
		r.Handle("/ws/monitoring", stream.MonitorHandler(a.monitor))
	}
	if a.tmux != nil {
		r.Handle("/ws/terminal/{agentID}", stream.TerminalHandler(a.tmux, a.logger))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// telemetryMiddleware records one api_request event per call, with the
// normalized path in the metadata so endpoint rollups can group on it.
func (a *API) telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		a.telemetry.Record(telemetry.Event{
			Event:      telemetry.EventAPIRequest,
			DurationMs: telemetry.Dur(time.Since(start).Milliseconds()),
			Success:    telemetry.Ok(rw.status < 500),
			Metadata: map[string]any{
				"path":   metrics.NormalizePath(r.URL.Path),
				"method": r.Method,
				"status": rw.status,
			},
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("response encode failed", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ke *kinderr.Error
	if !errors.As(err, &ke) {
		ke = kinderr.Wrap(kinderr.Internal, "internal error", err)
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	if ke.RetryAfter > 0 {
		secs := int64(ke.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	a.writeJSON(w, ke.Kind.HTTPStatus(), errorBody{Error: ke.Error(), Kind: ke.Kind.String()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return kinderr.Wrap(kinderr.Validation, "invalid JSON body", err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return kinderr.Wrap(kinderr.Validation, "invalid JSON body", err)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.monitor != nil {
		body["subscribers"] = a.monitor.SubscriberCount()
	}
	a.writeJSON(w, http.StatusOK, body)
}
