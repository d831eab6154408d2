package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/db"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/store"
)

type fakeProc struct {
	rss uint64
	cpu float64
}

func (f *fakeProc) MemoryInfo() (*process.MemoryInfoStat, error) {
	return &process.MemoryInfoStat{RSS: f.rss}, nil
}

func (f *fakeProc) CPUPercent() (float64, error) { return f.cpu, nil }

type fakeReaper struct{ reaped int }

func (f *fakeReaper) CleanupStale(time.Duration) int {
	f.reaped++
	return 0
}

func newTestService(t *testing.T) (*Service, *store.Store, *events.Bus) {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	st := store.New(conn, slog.Default())

	bus := events.NewBus()
	svc := New(st, nil, &fakeReaper{}, bus, slog.Default(), DefaultConfig())
	return svc, st, bus
}

func registerWithPid(t *testing.T, st *store.Store, agentID string, pid int) {
	t.Helper()
	_, err := st.RegisterAgent(context.Background(), store.RegisterParams{
		AgentID:  agentID,
		Kind:     "claude-code",
		Metadata: store.Metadata{"pid": pid},
	})
	require.NoError(t, err)
}

func TestSampleOnceRecordsMetrics(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	registerWithPid(t, st, "alice", 1234)

	svc.procFor = func(pid int32) (procSampler, error) {
		require.Equal(t, int32(1234), pid)
		return &fakeProc{rss: 512 * 1024 * 1024, cpu: 42.5}, nil
	}
	svc.sampleOnce(ctx)

	m, err := st.LatestMetric(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 512.0, m.MemoryMB)
	require.Equal(t, 42.5, m.CPUPct)
}

func TestSampleSkipsOfflineAndPidless(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	registerWithPid(t, st, "offline", 99)
	require.NoError(t, st.SetAgentStatus(ctx, "offline", store.AgentOffline))
	_, err := st.RegisterAgent(ctx, store.RegisterParams{AgentID: "no-pid", Kind: "gemini"})
	require.NoError(t, err)

	called := false
	svc.procFor = func(pid int32) (procSampler, error) {
		called = true
		return &fakeProc{}, nil
	}
	svc.sampleOnce(ctx)
	require.False(t, called)

	_, err = st.LatestMetric(ctx, "offline")
	require.True(t, kinderr.Is(err, kinderr.NotFound))
}

func TestAlertThresholds(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()
	registerWithPid(t, st, "alice", 1)

	sub := bus.Subscribe(16)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	// Critical CPU, warning memory.
	require.NoError(t, st.InsertMetricSample(ctx, "alice", 97.0, 1500.0))
	svc.alertOnce(ctx)

	evs, err := st.ListAgentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)

	severities := map[string]string{}
	for _, e := range evs {
		metric, _ := e.Metadata["metric"].(string)
		severities[metric] = e.EventType
	}
	require.Equal(t, store.EventError, severities["cpu"])
	require.Equal(t, store.EventWarning, severities["memory"])

	raised := 0
	for range 2 {
		select {
		case e := <-sub:
			require.Equal(t, events.AlertRaised, e.Type)
			raised++
		case <-time.After(time.Second):
		}
	}
	require.Equal(t, 2, raised)
}

func TestAlertBelowThresholdIsQuiet(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	registerWithPid(t, st, "alice", 1)

	require.NoError(t, st.InsertMetricSample(ctx, "alice", 10.0, 100.0))
	svc.alertOnce(ctx)

	evs, err := st.ListAgentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestUnresolvedErrorAlert(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	registerWithPid(t, st, "alice", 1)

	for range 11 {
		_, err := st.LogError(ctx, "alice", "runner", "boom")
		require.NoError(t, err)
	}
	svc.alertOnce(ctx)

	evs, err := st.ListAgentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, store.EventError, evs[0].EventType)
}

func TestExpireOverdueTickets(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	registerWithPid(t, st, "alice", 1)

	expiring, err := st.Enqueue(ctx, store.EnqueueParams{
		TargetAgent: "alice", Payload: "p", TimeoutMs: 1,
	})
	require.NoError(t, err)
	forever, err := st.Enqueue(ctx, store.EnqueueParams{
		TargetAgent: "alice", Payload: "p",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	svc.expireTicketsOnce(ctx)

	got, err := st.GetTicket(ctx, expiring.TicketID)
	require.NoError(t, err)
	require.Equal(t, store.TicketTimedOut, got.Status)

	got, err = st.GetTicket(ctx, forever.TicketID)
	require.NoError(t, err)
	require.Equal(t, store.TicketPending, got.Status)
}

func TestCleanupOnceRunsAllSweeps(t *testing.T) {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	st := store.New(conn, slog.Default())

	reaper := &fakeReaper{}
	svc := New(st, nil, reaper, nil, slog.Default(), DefaultConfig())
	svc.cleanupOnce(context.Background())
	require.Equal(t, 1, reaper.reaped)
}

func TestStartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Start(context.Background())
	svc.Stop()
}

func TestConfiguredSampleInterval(t *testing.T) {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	st := store.New(conn, slog.Default())
	registerWithPid(t, st, "alice", 7)

	svc := New(st, nil, &fakeReaper{}, events.NewBus(), slog.Default(), Config{
		SampleInterval: 10 * time.Millisecond,
		AlertInterval:  time.Hour,
	})
	svc.procFor = func(pid int32) (procSampler, error) {
		return &fakeProc{rss: 64 * 1024 * 1024, cpu: 1}, nil
	}

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := st.LatestMetric(context.Background(), "alice")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	svc := New(nil, nil, &fakeReaper{}, nil, slog.Default(), Config{})
	require.Equal(t, sampleInterval, svc.cfg.SampleInterval)
	require.Equal(t, alertInterval, svc.cfg.AlertInterval)
	require.Equal(t, DefaultConfig().TicketMaxAge, svc.cfg.TicketMaxAge)
}
