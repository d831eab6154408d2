package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kokino/kokino/internal/broker/id"
	"github.com/kokino/kokino/internal/broker/kinderr"
)

// Message is one inter-agent exchange, recorded when tickets are
// created or replied to between registered agents.
type Message struct {
	ID        int64    `json:"id"`
	MessageID string   `json:"messageId"`
	FromAgent string   `json:"fromAgent"`
	ToAgent   string   `json:"toAgent"`
	ThreadID  string   `json:"threadId,omitempty"`
	Payload   string   `json:"payload"`
	Metadata  Metadata `json:"metadata"`
	Status    string   `json:"status"`
	LatencyMs *int64   `json:"latencyMs,omitempty"`
	Ts        int64    `json:"timestamp"`
}

// MessageParams describes a message to record.
type MessageParams struct {
	MessageID string // generated when empty
	FromAgent string
	ToAgent   string
	ThreadID  string
	Payload   string
	Metadata  Metadata
	LatencyMs *int64
}

// RecordMessage appends one message row. Both endpoints must be
// registered agents; otherwise NotFound is returned.
func (s *Store) RecordMessage(ctx context.Context, p MessageParams) (*Message, error) {
	if p.FromAgent == "" || p.ToAgent == "" {
		return nil, kinderr.New(kinderr.Validation, "fromAgent and toAgent are required")
	}
	if p.MessageID == "" {
		p.MessageID = id.Generate()
	}

	var latency any
	if p.LatencyMs != nil {
		latency = *p.LatencyMs
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, from_agent, to_agent, thread_id, payload, metadata, status, latency_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MessageID, p.FromAgent, p.ToAgent, p.ThreadID, p.Payload,
		marshalMeta(p.Metadata), "sent", latency, s.nowMilli(),
	)
	if err != nil {
		// Foreign key failures mean an unregistered endpoint.
		return nil, kinderr.Wrap(kinderr.NotFound, "record message", err)
	}
	return s.GetMessage(ctx, p.MessageID)
}

// GetMessage fetches one message by its unique message id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, from_agent, to_agent, thread_id, payload, metadata, status, latency_ms, ts
		 FROM messages WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	FromAgent string
	ToAgent   string
	ThreadID  string
	Limit     int
	Offset    int
}

// ListMessages returns messages matching the filter, newest first.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error) {
	q := `SELECT id, message_id, from_agent, to_agent, thread_id, payload, metadata, status, latency_ms, ts
	      FROM messages WHERE 1=1`
	var args []any
	if f.FromAgent != "" {
		q += ` AND from_agent = ?`
		args = append(args, f.FromAgent)
	}
	if f.ToAgent != "" {
		q += ` AND to_agent = ?`
		args = append(args, f.ToAgent)
	}
	if f.ThreadID != "" {
		q += ` AND thread_id = ?`
		args = append(args, f.ThreadID)
	}
	q += ` ORDER BY ts DESC, id DESC`
	if f.Limit <= 0 || f.Limit > 5000 {
		f.Limit = 5000
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var meta string
	var latency sql.NullInt64
	err := r.Scan(&m.ID, &m.MessageID, &m.FromAgent, &m.ToAgent, &m.ThreadID,
		&m.Payload, &meta, &m.Status, &latency, &m.Ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.NotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Metadata = unmarshalMeta(meta)
	if latency.Valid {
		m.LatencyMs = &latency.Int64
	}
	return &m, nil
}
