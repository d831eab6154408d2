package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

func TestAddTurnBumpsConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	conv, err := s.CreateConversation(ctx, "alice", "greetings", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	turn, err := s.AddTurn(ctx, conv.ConversationID, RoleUser, "hello", Metadata{"source": "test"})
	require.NoError(t, err)
	require.Equal(t, RoleUser, turn.Role)

	updated, err := s.GetConversation(ctx, conv.ConversationID)
	require.NoError(t, err)
	require.Greater(t, updated.UpdatedAt, conv.UpdatedAt)
}

func TestAddTurnUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddTurn(context.Background(), "nope", RoleUser, "hello", nil)
	require.True(t, kinderr.Is(err, kinderr.NotFound))
}

func TestAddTurnInvalidRole(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddTurn(context.Background(), "any", "narrator", "hello", nil)
	require.True(t, kinderr.Is(err, kinderr.Validation))
}

func TestGetTurnsRoundTripsLargeContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")
	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)

	big := strings.Repeat("lorem ipsum ", 2000)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleUser, "hi", nil)
	require.NoError(t, err)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleAssistant, big, nil)
	require.NoError(t, err)

	turns, err := s.GetTurns(ctx, conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, big, turns[1].Content)
	require.Less(t, turns[0].TurnID, turns[1].TurnID)
}

func TestListAgentConversationsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")

	first, err := s.CreateConversation(ctx, "alice", "first", nil)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, "alice", "second", nil)
	require.NoError(t, err)

	// Touch the first conversation so it becomes most recent.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = s.AddTurn(ctx, first.ConversationID, RoleUser, "ping", nil)
	require.NoError(t, err)

	convs, err := s.ListAgentConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, first.ConversationID, convs[0].ConversationID)
	require.Equal(t, second.ConversationID, convs[1].ConversationID)

	recent, err := s.MostRecentConversation(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, recent.ConversationID)
}

func TestDeleteConversationCascadesTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")
	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleUser, "hi", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ConversationID))
	_, err = s.GetTurns(ctx, conv.ConversationID)
	require.True(t, kinderr.Is(err, kinderr.NotFound))

	report, err := s.RunIntegrityCheck(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Orphans)
}

func TestIntegrityCleanStore(t *testing.T) {
	s := newTestStore(t)
	report, err := s.RunIntegrityCheck(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestIntegrityDuplicateRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")
	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)

	_, err = s.AddTurn(ctx, conv.ConversationID, RoleUser, "q", nil)
	require.NoError(t, err)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleAssistant, "a1", nil)
	require.NoError(t, err)
	second, err := s.AddTurn(ctx, conv.ConversationID, RoleAssistant, "a2", nil)
	require.NoError(t, err)

	report, err := s.RunIntegrityCheck(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Orphans)
	require.Len(t, report.Conversations, 1)
	require.Len(t, report.Conversations[0].Issues, 1)

	issue := report.Conversations[0].Issues[0]
	require.Equal(t, IssueDuplicateRole, issue.Type)
	require.Equal(t, second.TurnID, issue.TurnID)
	require.False(t, issue.Warning)
}

func TestIntegrityFirstNotUserIsWarning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")
	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleSystem, "bootstrapped", nil)
	require.NoError(t, err)

	report, err := s.RunIntegrityCheck(ctx)
	require.NoError(t, err)
	require.Len(t, report.Conversations, 1)
	issue := report.Conversations[0].Issues[0]
	require.Equal(t, IssueFirstNotUser, issue.Type)
	require.True(t, issue.Warning)
}

func TestIntegrityNonMonotonicTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "alice")
	conv, err := s.CreateConversation(ctx, "alice", "", nil)
	require.NoError(t, err)

	base := time.Now()
	s.now = func() time.Time { return base }
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleUser, "q", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(-time.Minute) }
	_, err = s.AddTurn(ctx, conv.ConversationID, RoleAssistant, "a", nil)
	require.NoError(t, err)

	report, err := s.RunIntegrityCheck(ctx)
	require.NoError(t, err)
	require.Len(t, report.Conversations, 1)
	require.Equal(t, IssueNonMonotonicTs, report.Conversations[0].Issues[0].Type)
}
