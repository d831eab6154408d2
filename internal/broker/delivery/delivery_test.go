package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/db"
	"github.com/kokino/kokino/internal/broker/fallback"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/store"
)

type fakeProvider struct {
	mode  string
	calls int
}

func (f *fakeProvider) Mode() string { return f.mode }

func (f *fakeProvider) Deliver(ctx context.Context, req Request) (*Result, error) {
	f.calls++
	return &Result{Response: "via " + f.mode, Mode: f.mode}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	return store.New(conn, slog.Default())
}

func register(t *testing.T, st *store.Store, agentID, mode string) {
	t.Helper()
	_, err := st.RegisterAgent(context.Background(), store.RegisterParams{
		AgentID:      agentID,
		Kind:         "claude-code",
		DeliveryMode: mode,
	})
	require.NoError(t, err)
}

func TestRouterPicksConfiguredMode(t *testing.T) {
	st := newTestStore(t)
	register(t, st, "alice", store.DeliveryHeadless)
	register(t, st, "bob", store.DeliveryTmux)
	register(t, st, "carol", store.DeliveryShadow)

	headless := &fakeProvider{mode: ModeHeadless}
	tmux := &fakeProvider{mode: ModeTmux}
	shadow := &fakeProvider{mode: ModeShadow}
	r := NewRouter(st, fallback.NewController(), headless, tmux, shadow, slog.Default())
	ctx := context.Background()

	res, err := r.Dispatch(ctx, Request{AgentID: "alice", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeHeadless, res.Mode)

	res, err = r.Dispatch(ctx, Request{AgentID: "bob", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeTmux, res.Mode)

	res, err = r.Dispatch(ctx, Request{AgentID: "carol", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeShadow, res.Mode)

	_, err = r.Dispatch(ctx, Request{AgentID: "ghost", Prompt: "hi"})
	require.True(t, kinderr.Is(err, kinderr.NotFound))
}

func TestRouterHonorsFallbackOverrides(t *testing.T) {
	st := newTestStore(t)
	register(t, st, "alice", store.DeliveryHeadless)

	headless := &fakeProvider{mode: ModeHeadless}
	tmux := &fakeProvider{mode: ModeTmux}
	fb := fallback.NewController()
	r := NewRouter(st, fb, headless, tmux, nil, slog.Default())
	ctx := context.Background()

	fb.SetAgentForced("alice", true)
	res, err := r.Dispatch(ctx, Request{AgentID: "alice", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeTmux, res.Mode)
	require.Equal(t, 0, headless.calls)

	fb.SetAgentForced("alice", false)
	res, err = r.Dispatch(ctx, Request{AgentID: "alice", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeHeadless, res.Mode)
}

func TestRouterShadowWithoutController(t *testing.T) {
	st := newTestStore(t)
	register(t, st, "carol", store.DeliveryShadow)

	headless := &fakeProvider{mode: ModeHeadless}
	r := NewRouter(st, fallback.NewController(), headless, &fakeProvider{mode: ModeTmux}, nil, slog.Default())

	res, err := r.Dispatch(context.Background(), Request{AgentID: "carol", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, ModeHeadless, res.Mode)
}

func TestScreenBufferWrapsAround(t *testing.T) {
	sb := newScreenBuffer()

	sb.Write([]byte("hello"))
	require.Equal(t, []byte("hello"), sb.Snapshot())

	// Overfill past the ring size; only the tail survives.
	chunk := bytes.Repeat([]byte("x"), screenBufferSize)
	sb.Write(chunk)
	sb.Write([]byte("tail"))
	snap := sb.Snapshot()
	require.Len(t, snap, screenBufferSize)
	require.True(t, bytes.HasSuffix(snap, []byte("tail")))
}

func TestCollectUntilQuiet(t *testing.T) {
	tap := make(chan []byte, 8)
	tap <- []byte("first ")
	tap <- []byte("second")

	start := time.Now()
	out, err := collectUntilQuiet(context.Background(), tap, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "first second", out)
	// Settled via the quiet period, well before the deadline.
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestCollectUntilQuietTimeoutWithoutOutput(t *testing.T) {
	// With no output the quiet timer is never armed, so only the
	// deadline branch can end the collection.
	for range 20 {
		tap := make(chan []byte)
		_, err := collectUntilQuiet(context.Background(), tap, 5*time.Millisecond)
		require.True(t, kinderr.Is(err, kinderr.Timeout))
	}
}

func TestCollectUntilQuietContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collectUntilQuiet(ctx, make(chan []byte), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func requirePty(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a pty")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestTmuxDeliverRoundTrip(t *testing.T) {
	requirePty(t)
	st := newTestStore(t)
	_, err := st.RegisterAgent(context.Background(), store.RegisterParams{
		AgentID:      "alice",
		Kind:         "mock",
		DeliveryMode: store.DeliveryTmux,
		Metadata:     store.Metadata{"command": "sh", "args": []any{"-i"}},
	})
	require.NoError(t, err)

	p := NewTmuxProvider(st, nil, slog.Default(), t.TempDir())
	t.Cleanup(p.StopAll)

	res, err := p.Deliver(context.Background(), Request{
		AgentID: "alice",
		Prompt:  "echo terminal-says-hi",
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, ModeTmux, res.Mode)
	require.Contains(t, res.Response, "terminal-says-hi")

	term, ok := p.Terminal("alice")
	require.True(t, ok)
	require.Contains(t, string(term.ScreenSnapshot()), "terminal-says-hi")
}

func TestTmuxStopAgent(t *testing.T) {
	requirePty(t)
	st := newTestStore(t)
	_, err := st.RegisterAgent(context.Background(), store.RegisterParams{
		AgentID:      "alice",
		Kind:         "mock",
		DeliveryMode: store.DeliveryTmux,
		Metadata:     store.Metadata{"command": "sh", "args": []any{"-i"}},
	})
	require.NoError(t, err)

	p := NewTmuxProvider(st, nil, slog.Default(), t.TempDir())
	_, err = p.Deliver(context.Background(), Request{AgentID: "alice", Prompt: "true", Timeout: 30 * time.Second})
	require.NoError(t, err)

	p.StopAgent("alice")
	_, ok := p.Terminal("alice")
	require.False(t, ok)
}
