package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentError   = "error"
)

// Delivery modes.
const (
	DeliveryHeadless = "headless"
	DeliveryTmux     = "tmux"
	DeliveryShadow   = "shadow"
)

// Agent is a registered worker backed by a conversational CLI.
type Agent struct {
	AgentID             string   `json:"agentId"`
	Kind                string   `json:"kind"`
	Status              string   `json:"status"`
	DeliveryMode        string   `json:"deliveryMode"`
	Metadata            Metadata `json:"metadata"`
	HeartbeatIntervalMs int64    `json:"heartbeatIntervalMs"`
	LastHeartbeat       *int64   `json:"lastHeartbeat,omitempty"`
	CreatedAt           int64    `json:"createdAt"`
	UpdatedAt           int64    `json:"updatedAt"`
}

// RegisterParams describes an agent registration request.
type RegisterParams struct {
	AgentID             string
	Kind                string
	DeliveryMode        string
	Metadata            Metadata
	HeartbeatIntervalMs int64
}

// RegisterAgent inserts or refreshes an agent. Re-registration updates
// kind, delivery mode and metadata, and brings the agent online.
func (s *Store) RegisterAgent(ctx context.Context, p RegisterParams) (*Agent, error) {
	if p.AgentID == "" {
		return nil, kinderr.New(kinderr.Validation, "agentId is required")
	}
	if p.Kind == "" {
		return nil, kinderr.New(kinderr.Validation, "kind is required")
	}
	switch p.DeliveryMode {
	case "":
		p.DeliveryMode = DeliveryHeadless
	case DeliveryHeadless, DeliveryTmux, DeliveryShadow:
	default:
		return nil, kinderr.Newf(kinderr.Validation, "invalid deliveryMode %q", p.DeliveryMode)
	}
	if p.HeartbeatIntervalMs <= 0 {
		p.HeartbeatIntervalMs = 30_000
	}

	now := s.nowMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   kind = excluded.kind,
		   status = excluded.status,
		   delivery_mode = excluded.delivery_mode,
		   metadata = excluded.metadata,
		   heartbeat_interval_ms = excluded.heartbeat_interval_ms,
		   last_heartbeat = excluded.last_heartbeat,
		   updated_at = excluded.updated_at`,
		p.AgentID, p.Kind, AgentOnline, p.DeliveryMode, marshalMeta(p.Metadata),
		p.HeartbeatIntervalMs, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return s.GetAgent(ctx, p.AgentID)
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, created_at, updated_at
		 FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, created_at, updated_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent. Tickets, conversations, messages and
// monitoring rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "agent %s not found", agentID)
	}
	return nil
}

// Heartbeat records agent liveness and brings the agent online.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	now := s.nowMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, status = ?, updated_at = ? WHERE agent_id = ?`,
		now, AgentOnline, now, agentID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "agent %s not found", agentID)
	}
	return nil
}

// SetAgentStatus transitions an agent's status.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	switch status {
	case AgentOnline, AgentOffline, AgentError:
	default:
		return kinderr.Newf(kinderr.Validation, "invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		status, s.nowMilli(), agentID)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "agent %s not found", agentID)
	}
	return nil
}

// MarkAllOffline sets every online agent offline. Run at startup: no
// agent can have a live heartbeat before the broker starts accepting
// them, so any online status in the database is stale from a previous
// run.
func (s *Store) MarkAllOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE status = ?`,
		AgentOffline, s.nowMilli(), AgentOnline)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	return res.RowsAffected()
}

// SetDeliveryMode changes an agent's configured delivery mode.
func (s *Store) SetDeliveryMode(ctx context.Context, agentID, mode string) error {
	switch mode {
	case DeliveryHeadless, DeliveryTmux, DeliveryShadow:
	default:
		return kinderr.Newf(kinderr.Validation, "invalid deliveryMode %q", mode)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET delivery_mode = ?, updated_at = ? WHERE agent_id = ?`,
		mode, s.nowMilli(), agentID)
	if err != nil {
		return fmt.Errorf("set delivery mode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "agent %s not found", agentID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*Agent, error) {
	var a Agent
	var meta string
	var lastHeartbeat sql.NullInt64
	err := r.Scan(&a.AgentID, &a.Kind, &a.Status, &a.DeliveryMode, &meta,
		&a.HeartbeatIntervalMs, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.NotFound, "agent not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Metadata = unmarshalMeta(meta)
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Int64
	}
	return &a, nil
}
