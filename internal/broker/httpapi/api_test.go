package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/breaker"
	"github.com/kokino/kokino/internal/broker/db"
	"github.com/kokino/kokino/internal/broker/delivery"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/fallback"
	"github.com/kokino/kokino/internal/broker/jsonl"
	"github.com/kokino/kokino/internal/broker/proc"
	"github.com/kokino/kokino/internal/broker/runner"
	"github.com/kokino/kokino/internal/broker/session"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/stream"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

type testEnv struct {
	api     *API
	store   *store.Store
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()

	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	st := store.New(conn, logger)

	tel, err := telemetry.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Close() })

	bus := events.NewBus()
	mon := stream.NewMonitor(bus, tel, logger)
	go mon.Run()
	t.Cleanup(func() { mon.Shutdown("") })

	sessions := session.NewManager(logger, tel, bus)
	brk := breaker.New(breaker.DefaultConfig(), logger, tel, bus)
	fb := fallback.NewController()

	run := runner.New(st, sessions, proc.NewSupervisor(logger, tel),
		jsonl.New(nil, false), brk, tel, bus, logger,
		runner.Config{DefaultTimeout: 30 * time.Second})
	headless := delivery.NewHeadlessProvider(run)
	tmux := delivery.NewTmuxProvider(st, tel, logger, t.TempDir())
	t.Cleanup(tmux.StopAll)
	router := delivery.NewRouter(st, fb, headless, tmux, nil, logger)

	api := New(Deps{
		Store:     st,
		Telemetry: tel,
		Sessions:  sessions,
		Breaker:   brk,
		Fallback:  fb,
		Router:    router,
		Runner:    run,
		Monitor:   mon,
		Tmux:      tmux,
		Bus:       bus,
		Logger:    logger,
	})
	return &testEnv{api: api, store: st, handler: api.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRegisterAndDeleteAgent(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/agents/register", map[string]any{
		"agentId": "alice", "kind": "claude-code",
	})
	require.Equal(t, http.StatusOK, w.Code)
	agent := decodeBody[map[string]any](t, w)
	require.Equal(t, "alice", agent["agentId"])
	require.Equal(t, "online", agent["status"])

	w = e.do(t, http.MethodPost, "/agents/alice/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodDelete, "/agents/alice/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/agents/alice/heartbeat", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/agents/register", map[string]any{"kind": "claude-code"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody[map[string]any](t, w)
	require.Equal(t, "validation", body["kind"])
}

func TestTicketFlow(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "bob", "kind": "gemini"})

	// bob sends to alice.
	w := e.do(t, http.MethodPost, "/agents/alice/send", map[string]any{
		"origin": "bob", "payload": "review my diff", "expectReply": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	ticket := decodeBody[map[string]any](t, w)
	ticketID := ticket["ticketId"].(string)
	require.Equal(t, "pending", ticket["status"])

	w = e.do(t, http.MethodGet, "/agents/alice/tickets/pending", nil)
	pending := decodeBody[map[string]any](t, w)
	require.Len(t, pending["tickets"], 1)

	w = e.do(t, http.MethodPost, "/tickets/"+ticketID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/replies", map[string]any{
		"ticketId": ticketID, "payload": "looks good",
	})
	require.Equal(t, http.StatusOK, w.Code)
	reply := decodeBody[map[string]any](t, w)
	require.NotNil(t, reply["reverseTicket"], "reply to a ticket with a distinct origin synthesizes a reverse ticket")

	// The reverse ticket is now pending for bob.
	w = e.do(t, http.MethodGet, "/agents/bob/tickets/pending", nil)
	pending = decodeBody[map[string]any](t, w)
	require.Len(t, pending["tickets"], 1)
}

func TestReplyBeforeAcknowledgeConflicts(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	w := e.do(t, http.MethodPost, "/agents/alice/send", map[string]any{"payload": "hi"})
	ticket := decodeBody[map[string]any](t, w)

	w = e.do(t, http.MethodPost, "/replies", map[string]any{
		"ticketId": ticket["ticketId"], "payload": "too soon",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestWaitResolvedByReply(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	w := e.do(t, http.MethodPost, "/agents/alice/send", map[string]any{"payload": "ping"})
	ticket := decodeBody[map[string]any](t, w)
	ticketID := ticket["ticketId"].(string)

	e.do(t, http.MethodPost, "/tickets/"+ticketID+"/acknowledge", nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- e.do(t, http.MethodPost, "/tickets/"+ticketID+"/wait", map[string]any{"timeoutMs": 10_000})
	}()

	time.Sleep(50 * time.Millisecond)
	e.do(t, http.MethodPost, "/replies", map[string]any{"ticketId": ticketID, "payload": "pong"})

	select {
	case w := <-done:
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody[map[string]any](t, w)
		require.Equal(t, "responded", body["status"])
		require.Equal(t, "pong", body["response"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWaitTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	w := e.do(t, http.MethodPost, "/agents/alice/send", map[string]any{"payload": "ping"})
	ticket := decodeBody[map[string]any](t, w)

	w = e.do(t, http.MethodPost, "/tickets/"+ticket["ticketId"].(string)+"/wait",
		map[string]any{"timeoutMs": 50})
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestCancelTicket(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	w := e.do(t, http.MethodPost, "/agents/alice/send", map[string]any{"payload": "ping"})
	ticket := decodeBody[map[string]any](t, w)
	ticketID := ticket["ticketId"].(string)

	w = e.do(t, http.MethodPost, "/tickets/"+ticketID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Acknowledging a cancelled ticket is an illegal transition.
	w = e.do(t, http.MethodPost, "/tickets/"+ticketID+"/acknowledge", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestUnknownTicket(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/tickets/nope/acknowledge", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

const mockResultLine = `{"type":"result","result":"done it","session_id":"s1"}`

func TestExecuteEndpoint(t *testing.T) {
	requireShell(t)
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{
		"agentId": "alice", "kind": "mock",
		"metadata": map[string]any{"command": "sh", "args": []string{"-c", "echo '" + mockResultLine + "'"}},
	})

	w := e.do(t, http.MethodPost, "/agents/alice/execute", map[string]any{"prompt": "do it"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[map[string]any](t, w)
	require.Equal(t, "done it", res["response"])
	require.Equal(t, "headless", res["mode"])

	// The conversation now holds the user and assistant turns.
	w = e.do(t, http.MethodGet, "/agents/alice/conversations", nil)
	convs := decodeBody[map[string]any](t, w)
	require.Len(t, convs["conversations"], 1)
}

func TestExecuteTimeoutMapsTo504(t *testing.T) {
	requireShell(t)
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{
		"agentId": "alice", "kind": "mock",
		"metadata": map[string]any{"command": "sh", "args": []string{"-c", "sleep 30"}},
	})

	w := e.do(t, http.MethodPost, "/agents/alice/execute", map[string]any{
		"prompt": "hang", "timeoutMs": 300,
	})
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestFallbackToggles(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/fallback", map[string]any{"kind": "claude-code", "disabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	require.Len(t, body["disabledKinds"], 1)

	w = e.do(t, http.MethodGet, "/api/fallback", nil)
	body = decodeBody[map[string]any](t, w)
	require.Len(t, body["disabledKinds"], 1)

	w = e.do(t, http.MethodPost, "/api/fallback", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntegrityEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	ctx := context.Background()
	conv, err := e.store.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = e.store.AddTurn(ctx, conv.ConversationID, store.RoleUser, "hi", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/integrity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[map[string]any](t, w)
	require.Empty(t, report["orphans"])
}

func TestMetricsEndpoints(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{
		"/api/metrics/dashboard",
		"/api/metrics/performance",
		"/api/metrics/endpoints",
		"/api/metrics/slo",
		"/api/metrics/errors",
		"/api/metrics/rate",
		"/api/shadow/comparisons",
		"/api/circuits",
		"/api/monitoring/timeline",
		"/api/monitoring/interactions",
		"/healthz",
	} {
		w := e.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, "GET %s", path)
	}

	w := e.do(t, http.MethodGet, "/api/metrics/slo?sli=availability", nil)
	require.Equal(t, http.StatusOK, w.Code)
	budget := decodeBody[map[string]any](t, w)
	require.Equal(t, "availability", budget["sli"])

	w = e.do(t, http.MethodGet, "/api/metrics/slo?sli=nope", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/metrics/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInteractionsTimeRange(t *testing.T) {
	e := newTestEnv(t)

	for _, tr := range []string{"hour", "day", "week"} {
		w := e.do(t, http.MethodGet, "/api/monitoring/interactions?timeRange="+tr, nil)
		require.Equal(t, http.StatusOK, w.Code, "timeRange=%s", tr)
	}

	w := e.do(t, http.MethodGet, "/api/monitoring/interactions?timeRange=fortnight", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody[map[string]any](t, w)
	require.Equal(t, "validation", body["kind"])
}

func TestGetConversationWithTurns(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/agents/register", map[string]any{"agentId": "alice", "kind": "claude-code"})

	ctx := context.Background()
	conv, err := e.store.CreateConversation(ctx, "alice", "t", nil)
	require.NoError(t, err)
	_, err = e.store.AddTurn(ctx, conv.ConversationID, store.RoleUser, "hi", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/conversations/"+conv.ConversationID+"/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	require.Len(t, body["turns"], 1)

	w = e.do(t, http.MethodDelete, "/conversations/"+conv.ConversationID+"/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/conversations/"+conv.ConversationID+"/", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
