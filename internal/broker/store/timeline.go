package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

// Timeline entry kinds.
const (
	TimelineMessage = "message"
	TimelineTurn    = "turn"
)

// TimelineEntry is one item in the unified activity feed: either an
// inter-agent message or a conversation turn.
type TimelineEntry struct {
	Kind           string   `json:"kind"`
	Ts             int64    `json:"timestamp"`
	FromAgent      string   `json:"fromAgent,omitempty"`
	ToAgent        string   `json:"toAgent,omitempty"`
	AgentID        string   `json:"agentId,omitempty"`
	ThreadID       string   `json:"threadId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	TurnID         int64    `json:"turnId,omitempty"`
	Role           string   `json:"role,omitempty"`
	Payload        string   `json:"payload"`
	Metadata       Metadata `json:"metadata,omitempty"`
}

// TimelineFilter narrows the unified feed.
type TimelineFilter struct {
	From     string   // messages sent by this agent
	To       string   // messages received by this agent
	Agents   []string // either endpoint of a message, or the turn's agent
	Types    []string // "message", "turn"; empty means both
	ThreadID string
	Limit    int // capped at 5000
	Offset   int
}

func (f *TimelineFilter) wants(kind string) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == kind {
			return true
		}
	}
	return false
}

func (f *TimelineFilter) matchesAgents(candidates ...string) bool {
	if len(f.Agents) == 0 {
		return true
	}
	for _, want := range f.Agents {
		for _, c := range candidates {
			if c == want {
				return true
			}
		}
	}
	return false
}

// Timeline merges messages and conversation turns into one feed,
// newest first.
func (s *Store) Timeline(ctx context.Context, f TimelineFilter) ([]*TimelineEntry, error) {
	if f.Limit <= 0 || f.Limit > 5000 {
		f.Limit = 5000
	}
	fetch := f.Limit + f.Offset

	var entries []*TimelineEntry

	if f.wants(TimelineMessage) {
		msgs, err := s.ListMessages(ctx, MessageFilter{
			FromAgent: f.From,
			ToAgent:   f.To,
			ThreadID:  f.ThreadID,
			Limit:     fetch,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !f.matchesAgents(m.FromAgent, m.ToAgent) {
				continue
			}
			entries = append(entries, &TimelineEntry{
				Kind:      TimelineMessage,
				Ts:        m.Ts,
				FromAgent: m.FromAgent,
				ToAgent:   m.ToAgent,
				ThreadID:  m.ThreadID,
				Payload:   m.Payload,
				Metadata:  m.Metadata,
			})
		}
	}

	// Turn entries carry no from/to so the explicit message filters
	// exclude them.
	if f.wants(TimelineTurn) && f.From == "" && f.To == "" && f.ThreadID == "" {
		turns, err := s.recentTurns(ctx, fetch)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			if !f.matchesAgents(t.AgentID) {
				continue
			}
			entries = append(entries, t)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Ts > entries[j].Ts })

	if f.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[f.Offset:]
	if len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func (s *Store) recentTurns(ctx context.Context, limit int) ([]*TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.turn_id, t.conversation_id, c.agent_id, t.role, t.content, t.compression, t.metadata, t.created_at
		 FROM turns t JOIN conversations c ON c.conversation_id = t.conversation_id
		 ORDER BY t.created_at DESC, t.turn_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var out []*TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var blob []byte
		var compression, meta string
		if err := rows.Scan(&e.TurnID, &e.ConversationID, &e.AgentID, &e.Role,
			&blob, &compression, &meta, &e.Ts); err != nil {
			return nil, fmt.Errorf("scan recent turn: %w", err)
		}
		content, err := decodeTurnContent(blob, compression)
		if err != nil {
			return nil, err
		}
		e.Kind = TimelineTurn
		e.Payload = content
		e.Metadata = unmarshalMeta(meta)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InteractionNode is one agent in the derived interaction graph.
type InteractionNode struct {
	AgentID      string `json:"agentId"`
	MessageCount int64  `json:"messageCount"`
}

// InteractionEdge is one directed from→to aggregation.
type InteractionEdge struct {
	FromAgent    string  `json:"fromAgent"`
	ToAgent      string  `json:"toAgent"`
	Count        int64   `json:"count"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// InteractionGraph is the derived node/edge view of recent messages.
type InteractionGraph struct {
	Nodes []InteractionNode `json:"nodes"`
	Edges []InteractionEdge `json:"edges"`
}

// Interactions derives the agent interaction graph from messages in
// the named time range ("hour", "day", or "week").
func (s *Store) Interactions(ctx context.Context, timeRange string) (*InteractionGraph, error) {
	var window time.Duration
	switch timeRange {
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	case "week":
		window = 7 * 24 * time.Hour
	default:
		return nil, kinderr.Newf(kinderr.Validation, "invalid timeRange %q", timeRange)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_agent, to_agent, COUNT(*), COALESCE(AVG(latency_ms), 0)
		 FROM messages WHERE ts >= ?
		 GROUP BY from_agent, to_agent ORDER BY from_agent, to_agent`,
		s.now().Add(-window).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("interactions: %w", err)
	}
	defer rows.Close()

	graph := &InteractionGraph{}
	nodeCounts := make(map[string]int64)
	for rows.Next() {
		var e InteractionEdge
		if err := rows.Scan(&e.FromAgent, &e.ToAgent, &e.Count, &e.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan interaction edge: %w", err)
		}
		graph.Edges = append(graph.Edges, e)
		nodeCounts[e.FromAgent] += e.Count
		nodeCounts[e.ToAgent] += e.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(nodeCounts))
	for id := range nodeCounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		graph.Nodes = append(graph.Nodes, InteractionNode{AgentID: id, MessageCount: nodeCounts[id]})
	}
	return graph, nil
}
