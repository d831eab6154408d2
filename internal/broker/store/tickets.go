package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kokino/kokino/internal/broker/id"
	"github.com/kokino/kokino/internal/broker/kinderr"
)

// Ticket statuses.
const (
	TicketPending   = "pending"
	TicketDelivered = "delivered"
	TicketResponded = "responded"
	TicketTimedOut  = "timedOut"
	TicketCancelled = "cancelled"
)

// Ticket is a durable unit of work targeted at one agent.
type Ticket struct {
	TicketID    string   `json:"ticketId"`
	TargetAgent string   `json:"targetAgent"`
	OriginAgent string   `json:"originAgent,omitempty"`
	Payload     string   `json:"payload"`
	Metadata    Metadata `json:"metadata"`
	ExpectReply bool     `json:"expectReply"`
	TimeoutMs   int64    `json:"timeoutMs"`
	Status      string   `json:"status"`
	Response    *string  `json:"response,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// Terminal reports whether the ticket is in a terminal state.
func (t *Ticket) Terminal() bool { return terminalTicketStatus(t.Status) }

func terminalTicketStatus(status string) bool {
	return status == TicketResponded || status == TicketTimedOut || status == TicketCancelled
}

// EnqueueParams describes a new ticket.
type EnqueueParams struct {
	TicketID    string // generated when empty
	TargetAgent string
	OriginAgent string
	Payload     string
	Metadata    Metadata
	ExpectReply bool
	TimeoutMs   int64
}

// Enqueue creates a pending ticket for the target agent. When the
// origin is a registered agent, an inter-agent message row is recorded
// alongside.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*Ticket, error) {
	if p.TargetAgent == "" {
		return nil, kinderr.New(kinderr.Validation, "targetAgent is required")
	}
	if p.Payload == "" {
		return nil, kinderr.New(kinderr.Validation, "payload is required")
	}
	if _, err := s.GetAgent(ctx, p.TargetAgent); err != nil {
		return nil, err
	}
	if p.TicketID == "" {
		p.TicketID = id.Generate()
	}

	now := s.nowMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TicketID, p.TargetAgent, p.OriginAgent, p.Payload, marshalMeta(p.Metadata),
		boolToInt(p.ExpectReply), p.TimeoutMs, TicketPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue ticket: %w", err)
	}

	if p.OriginAgent != "" {
		// Best effort: the origin may be an external caller rather
		// than a registered agent.
		if _, err := s.RecordMessage(ctx, MessageParams{
			FromAgent: p.OriginAgent,
			ToAgent:   p.TargetAgent,
			ThreadID:  p.TicketID,
			Payload:   p.Payload,
			Metadata:  p.Metadata,
		}); err != nil {
			s.logger.Debug("skipping message record for ticket", "ticket", p.TicketID, "error", err)
		}
	}

	return s.GetTicket(ctx, p.TicketID)
}

// GetTicket fetches one ticket by id.
func (s *Store) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		 FROM tickets WHERE ticket_id = ?`, ticketID)
	return scanTicket(row)
}

// GetPending returns all pending tickets for the target in creation
// order.
func (s *Store) GetPending(ctx context.Context, targetAgent string) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		 FROM tickets WHERE target_agent = ? AND status = ? ORDER BY created_at, ticket_id`,
		targetAgent, TicketPending)
	if err != nil {
		return nil, fmt.Errorf("get pending tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Acknowledge transitions a ticket from pending to delivered.
// Idempotent when already delivered.
func (s *Store) Acknowledge(ctx context.Context, ticketID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ? AND status = ?`,
		TicketDelivered, s.nowMilli(), ticketID, TicketPending)
	if err != nil {
		return fmt.Errorf("acknowledge ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == TicketDelivered {
		return nil
	}
	return kinderr.Newf(kinderr.Conflict, "cannot acknowledge ticket in state %s", t.Status)
}

// ReplyParams carries a reply to a delivered ticket.
type ReplyParams struct {
	Payload     string
	OriginAgent string
	Metadata    Metadata
}

// PostReply records the response on a delivered ticket and resolves
// waiters. When the original ticket carried a distinct origin agent, a
// reverse ticket targeted at that origin is synthesized so the reply
// arrives as another inbound ticket. The reverse ticket (or nil) is
// returned alongside the updated original.
func (s *Store) PostReply(ctx context.Context, ticketID string, p ReplyParams) (*Ticket, *Ticket, error) {
	if p.Payload == "" {
		return nil, nil, kinderr.New(kinderr.Validation, "payload is required")
	}

	orig, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}

	now := s.nowMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, response = ?, updated_at = ? WHERE ticket_id = ? AND status = ?`,
		TicketResponded, p.Payload, now, ticketID, TicketDelivered)
	if err != nil {
		return nil, nil, fmt.Errorf("post reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, kinderr.Newf(kinderr.Conflict, "cannot reply to ticket in state %s", orig.Status)
	}

	var reverse *Ticket
	if orig.OriginAgent != "" && orig.OriginAgent != orig.TargetAgent {
		meta := Metadata{}
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta["isReply"] = true
		meta["replyTo"] = ticketID
		reverse, err = s.Enqueue(ctx, EnqueueParams{
			TargetAgent: orig.OriginAgent,
			OriginAgent: orig.TargetAgent,
			Payload:     p.Payload,
			Metadata:    meta,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("synthesize reverse ticket: %w", err)
		}
	}

	if orig.OriginAgent != "" {
		if _, err := s.RecordMessage(ctx, MessageParams{
			FromAgent: orig.TargetAgent,
			ToAgent:   orig.OriginAgent,
			ThreadID:  ticketID,
			Payload:   p.Payload,
			Metadata:  p.Metadata,
			LatencyMs: ptrInt64(now - orig.CreatedAt),
		}); err != nil {
			s.logger.Debug("skipping reply message record", "ticket", ticketID, "error", err)
		}
	}

	s.waiters.resolve(ticketID, TicketOutcome{Status: TicketResponded, Response: &p.Payload})

	updated, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	return updated, reverse, nil
}

// TimeoutTicket expires a pending or delivered ticket. Idempotent when
// already timed out.
func (s *Store) TimeoutTicket(ctx context.Context, ticketID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ? AND status IN (?, ?)`,
		TicketTimedOut, s.nowMilli(), ticketID, TicketPending, TicketDelivered)
	if err != nil {
		return fmt.Errorf("timeout ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		s.waiters.resolve(ticketID, TicketOutcome{Status: TicketTimedOut})
		return nil
	}

	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == TicketTimedOut {
		return nil
	}
	return kinderr.Newf(kinderr.Conflict, "cannot time out ticket in state %s", t.Status)
}

// CancelTicket cancels a pending ticket. Idempotent when already
// cancelled.
func (s *Store) CancelTicket(ctx context.Context, ticketID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ? AND status = ?`,
		TicketCancelled, s.nowMilli(), ticketID, TicketPending)
	if err != nil {
		return fmt.Errorf("cancel ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		s.waiters.resolve(ticketID, TicketOutcome{Status: TicketCancelled})
		return nil
	}

	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == TicketCancelled {
		return nil
	}
	return kinderr.Newf(kinderr.Conflict, "cannot cancel ticket in state %s", t.Status)
}

// Wait long-polls until the ticket reaches a terminal state or the
// timeout expires. A wait started after the ticket is terminal returns
// immediately. Responded tickets return the reply; timed-out tickets
// return a Timeout error; cancelled tickets return a Conflict error.
func (s *Store) Wait(ctx context.Context, ticketID string, timeout time.Duration) (TicketOutcome, error) {
	// Register before the status check so a resolve racing with this
	// call cannot be missed.
	ch := s.waiters.register(ticketID)
	defer s.waiters.unregister(ticketID, ch)

	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketOutcome{}, err
	}
	if t.Terminal() {
		return outcomeResult(TicketOutcome{Status: t.Status, Response: t.Response})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return outcomeResult(out)
	case <-timer.C:
		return TicketOutcome{}, kinderr.Newf(kinderr.Timeout, "wait on ticket %s timed out", ticketID)
	case <-ctx.Done():
		return TicketOutcome{}, ctx.Err()
	}
}

func outcomeResult(out TicketOutcome) (TicketOutcome, error) {
	switch out.Status {
	case TicketResponded:
		return out, nil
	case TicketTimedOut:
		return out, kinderr.New(kinderr.Timeout, "ticket timed out")
	case TicketCancelled:
		return out, kinderr.New(kinderr.Conflict, "ticket cancelled")
	default:
		return out, nil
	}
}

// OverdueTickets returns live tickets whose own timeout budget has
// elapsed. Tickets with timeoutMs = 0 never expire.
func (s *Store) OverdueTickets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_id FROM tickets
		 WHERE status IN (?, ?) AND timeout_ms > 0 AND created_at + timeout_ms <= ?`,
		TicketPending, TicketDelivered, s.nowMilli())
	if err != nil {
		return nil, fmt.Errorf("overdue tickets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ticketID string
		if err := rows.Scan(&ticketID); err != nil {
			return nil, fmt.Errorf("scan overdue ticket: %w", err)
		}
		out = append(out, ticketID)
	}
	return out, rows.Err()
}

// CleanupTickets hard-deletes non-pending tickets older than maxAge
// and returns the number deleted.
func (s *Store) CleanupTickets(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tickets WHERE status != ? AND created_at < ?`, TicketPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tickets: %w", err)
	}
	return res.RowsAffected()
}

func scanTicket(r rowScanner) (*Ticket, error) {
	var t Ticket
	var meta string
	var expectReply int
	var response sql.NullString
	err := r.Scan(&t.TicketID, &t.TargetAgent, &t.OriginAgent, &t.Payload, &meta,
		&expectReply, &t.TimeoutMs, &t.Status, &response, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.NotFound, "ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Metadata = unmarshalMeta(meta)
	t.ExpectReply = expectReply != 0
	if response.Valid {
		t.Response = &response.String
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ptrInt64(v int64) *int64 { return &v }
