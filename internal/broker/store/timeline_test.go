package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

func seedActivity(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	registerAgent(t, s, "alice")
	registerAgent(t, s, "bob")

	_, err := s.RecordMessage(ctx, MessageParams{
		FromAgent: "alice", ToAgent: "bob", ThreadID: "th-1", Payload: "hi bob",
	})
	require.NoError(t, err)
	_, err = s.RecordMessage(ctx, MessageParams{
		FromAgent: "bob", ToAgent: "alice", ThreadID: "th-1", Payload: "hi alice",
		LatencyMs: ptrInt64(120),
	})
	require.NoError(t, err)

	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleUser, "solve it", nil)
	require.NoError(t, err)
}

func TestTimelineMergesMessagesAndTurns(t *testing.T) {
	s := newTestStore(t)
	seedActivity(t, s)

	entries, err := s.Timeline(context.Background(), TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	require.Equal(t, 2, kinds[TimelineMessage])
	require.Equal(t, 1, kinds[TimelineTurn])
}

func TestTimelineTypeFilter(t *testing.T) {
	s := newTestStore(t)
	seedActivity(t, s)

	entries, err := s.Timeline(context.Background(), TimelineFilter{Types: []string{TimelineTurn}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TimelineTurn, entries[0].Kind)
	require.Equal(t, "alice", entries[0].AgentID)
}

func TestTimelineAgentAndFromFilters(t *testing.T) {
	s := newTestStore(t)
	seedActivity(t, s)
	ctx := context.Background()

	entries, err := s.Timeline(ctx, TimelineFilter{From: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hi bob", entries[0].Payload)

	entries, err = s.Timeline(ctx, TimelineFilter{Agents: []string{"bob"}})
	require.NoError(t, err)
	require.Len(t, entries, 2) // both messages touch bob; the turn does not
}

func TestTimelineLimitOffset(t *testing.T) {
	s := newTestStore(t)
	seedActivity(t, s)
	ctx := context.Background()

	page1, err := s.Timeline(ctx, TimelineFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := s.Timeline(ctx, TimelineFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestInteractionsGraph(t *testing.T) {
	s := newTestStore(t)
	seedActivity(t, s)

	graph, err := s.Interactions(context.Background(), "day")
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 2)

	var found bool
	for _, e := range graph.Edges {
		if e.FromAgent == "bob" && e.ToAgent == "alice" {
			found = true
			require.Equal(t, int64(1), e.Count)
			require.InDelta(t, 120.0, e.AvgLatencyMs, 1e-9)
		}
	}
	require.True(t, found)
}

func TestInteractionsInvalidRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Interactions(context.Background(), "fortnight")
	require.True(t, kinderr.Is(err, kinderr.Validation))
}
