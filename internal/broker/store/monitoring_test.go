package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

func TestMetricSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	require.NoError(t, s.InsertMetricSample(ctx, "alice", 12.5, 256))
	s.now = func() time.Time { return time.Now().Add(time.Second) }
	require.NoError(t, s.InsertMetricSample(ctx, "alice", 90.0, 1500))

	latest, err := s.LatestMetric(ctx, "alice")
	require.NoError(t, err)
	require.InDelta(t, 90.0, latest.CPUPct, 1e-9)
	require.InDelta(t, 1500.0, latest.MemoryMB, 1e-9)

	all, err := s.ListMetrics(ctx, "alice", time.Hour)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.LatestMetric(ctx, "bob")
	require.True(t, kinderr.Is(err, kinderr.NotFound))
}

func TestAgentEventsValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	require.NoError(t, s.InsertAgentEvent(ctx, "alice", EventWarning, "cpu high", Metadata{"cpuPct": 85}))
	err := s.InsertAgentEvent(ctx, "alice", "panic", "nope", nil)
	require.True(t, kinderr.Is(err, kinderr.Validation))

	evts, err := s.ListAgentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, EventWarning, evts[0].EventType)
}

func TestErrorLogLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	id1, err := s.LogError(ctx, "alice", "runner", "spawn failed")
	require.NoError(t, err)
	_, err = s.LogError(ctx, "alice", "runner", "exit 1")
	require.NoError(t, err)

	n, err := s.UnresolvedErrorCount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, s.ResolveError(ctx, id1))
	n, err = s.UnresolvedErrorCount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	unresolved, err := s.ListErrors(ctx, "alice", true, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.True(t, kinderr.Is(s.ResolveError(ctx, 9999), kinderr.NotFound))
}

func TestCleanupMonitoringRetainsUnresolvedErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	require.NoError(t, s.InsertMetricSample(ctx, "alice", 10, 100))
	require.NoError(t, s.InsertAgentEvent(ctx, "alice", EventInfo, "started", nil))
	resolvedID, err := s.LogError(ctx, "alice", "runner", "old resolved")
	require.NoError(t, err)
	require.NoError(t, s.ResolveError(ctx, resolvedID))
	_, err = s.LogError(ctx, "alice", "runner", "old unresolved")
	require.NoError(t, err)

	// Move past retention and sweep.
	s.now = func() time.Time { return time.Now().AddDate(0, 0, 40) }
	deleted, err := s.CleanupMonitoring(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted) // metric + event + resolved error

	n, err := s.UnresolvedErrorCount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
