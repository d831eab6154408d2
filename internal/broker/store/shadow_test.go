package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func insertComparison(t *testing.T, s *Store, tmuxOk, headlessOk, match bool, delta int64) *ShadowResult {
	t.Helper()
	r := &ShadowResult{
		TicketID:           "tk-1",
		AgentID:            "alice",
		TmuxSuccess:        tmuxOk,
		HeadlessSuccess:    headlessOk,
		OutputMatch:        match,
		LatencyDeltaMs:     delta,
		TmuxDurationMs:     100,
		HeadlessDurationMs: 100 + delta,
	}
	require.NoError(t, s.InsertShadowResult(context.Background(), r))
	return r
}

func TestShadowStats(t *testing.T) {
	s := newTestStore(t)

	insertComparison(t, s, true, true, true, 10)
	insertComparison(t, s, true, true, false, 30) // mismatch
	insertComparison(t, s, true, false, false, 0) // headless failure

	stats, err := s.GetShadowStats(context.Background(), "alice", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Total)
	require.InDelta(t, 1.0, stats.TmuxSuccessRate, 1e-9)
	require.InDelta(t, 2.0/3.0, stats.HeadlessSuccessRate, 1e-9)
	require.InDelta(t, 1.0/3.0, stats.MatchRate, 1e-9)
	require.Equal(t, int64(1), stats.Mismatches)
}

func TestShadowStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.GetShadowStats(context.Background(), "", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Total)
	require.Equal(t, float64(0), stats.MatchRate)
}

func TestListShadowMismatches(t *testing.T) {
	s := newTestStore(t)

	insertComparison(t, s, true, true, true, 10)
	want := insertComparison(t, s, true, true, false, 30)
	insertComparison(t, s, false, true, false, 0) // tmux failed, not a mismatch

	mismatches, err := s.ListShadowMismatches(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, want.ID, mismatches[0].ID)
	require.Equal(t, int64(30), mismatches[0].LatencyDeltaMs)
}
