package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kokino/kokino/internal/broker/id"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/msgcodec"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation groups the turns exchanged with one agent.
type Conversation struct {
	ConversationID string   `json:"conversationId"`
	AgentID        string   `json:"agentId"`
	Title          string   `json:"title,omitempty"`
	Metadata       Metadata `json:"metadata"`
	CreatedAt      int64    `json:"createdAt"`
	UpdatedAt      int64    `json:"updatedAt"`
}

// Turn is one message within a conversation. Content is transparently
// decompressed on read.
type Turn struct {
	TurnID         int64    `json:"turnId"`
	ConversationID string   `json:"conversationId"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Metadata       Metadata `json:"metadata"`
	CreatedAt      int64    `json:"createdAt"`
}

// CreateConversation starts a new conversation for an agent.
func (s *Store) CreateConversation(ctx context.Context, agentID, title string, meta Metadata) (*Conversation, error) {
	if agentID == "" {
		return nil, kinderr.New(kinderr.Validation, "agentId is required")
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	convID := id.Generate()
	now := s.nowMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, agent_id, title, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		convID, agentID, title, marshalMeta(meta), now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.GetConversation(ctx, convID)
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, agent_id, title, metadata, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, convID)
	return scanConversation(row)
}

// MostRecentConversation returns the agent's most recently updated
// conversation, or NotFound when the agent has none.
func (s *Store) MostRecentConversation(ctx context.Context, agentID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, agent_id, title, metadata, created_at, updated_at
		 FROM conversations WHERE agent_id = ? ORDER BY updated_at DESC, conversation_id DESC LIMIT 1`,
		agentID)
	return scanConversation(row)
}

// ListAgentConversations returns the agent's conversations ordered by
// most recent activity.
func (s *Store) ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, agent_id, title, metadata, created_at, updated_at
		 FROM conversations WHERE agent_id = ? ORDER BY updated_at DESC, conversation_id DESC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddTurn appends a turn and bumps the parent's updatedAt in one
// transaction. Unknown conversations fail with NotFound.
func (s *Store) AddTurn(ctx context.Context, convID, role, content string, meta Metadata) (*Turn, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, kinderr.Newf(kinderr.Validation, "invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add turn: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`, now, convID)
	if err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, kinderr.Newf(kinderr.NotFound, "conversation %s not found", convID)
	}

	blob, compression := msgcodec.Encode(content)
	res, err = tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, compression, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		convID, role, blob, compression, marshalMeta(meta), now)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	turnID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add turn: %w", err)
	}

	return &Turn{
		TurnID:         turnID,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		Metadata:       meta,
		CreatedAt:      now,
	}, nil
}

// GetTurns returns a conversation's turns in append order.
func (s *Store) GetTurns(ctx context.Context, convID string) ([]*Turn, error) {
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, role, content, compression, metadata, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY turn_id`, convID)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; turns cascade.
func (s *Store) DeleteConversation(ctx context.Context, convID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ?`, convID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "conversation %s not found", convID)
	}
	return nil
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var title sql.NullString
	var meta string
	err := r.Scan(&c.ConversationID, &c.AgentID, &title, &meta, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Title = title.String
	c.Metadata = unmarshalMeta(meta)
	return &c, nil
}

func scanTurn(r rowScanner) (*Turn, error) {
	var t Turn
	var blob []byte
	var compression, meta string
	err := r.Scan(&t.TurnID, &t.ConversationID, &t.Role, &blob, &compression, &meta, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.NotFound, "turn not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	content, err := decodeTurnContent(blob, compression)
	if err != nil {
		return nil, err
	}
	t.Content = content
	t.Metadata = unmarshalMeta(meta)
	return &t, nil
}

func decodeTurnContent(blob []byte, compression string) (string, error) {
	content, err := msgcodec.Decode(blob, compression)
	if err != nil {
		return "", kinderr.Wrap(kinderr.Integrity, "decode turn content", err)
	}
	return content, nil
}
