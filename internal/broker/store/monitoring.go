package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

// Agent event severities.
const (
	EventInfo    = "info"
	EventWarning = "warning"
	EventError   = "error"
)

// MetricSample is one CPU/memory observation of an agent's process.
type MetricSample struct {
	ID        int64   `json:"id"`
	AgentID   string  `json:"agentId"`
	CPUPct    float64 `json:"cpuPct"`
	MemoryMB  float64 `json:"memoryMb"`
	SampledAt int64   `json:"sampledAt"`
}

// AgentEvent is a persisted monitoring event or alert.
type AgentEvent struct {
	ID        int64    `json:"id"`
	AgentID   string   `json:"agentId"`
	EventType string   `json:"eventType"`
	Message   string   `json:"message"`
	Metadata  Metadata `json:"metadata"`
	CreatedAt int64    `json:"createdAt"`
}

// ErrorLog is one recorded failure, resolvable by operators.
type ErrorLog struct {
	ID         int64  `json:"id"`
	AgentID    string `json:"agentId,omitempty"`
	Source     string `json:"source"`
	Message    string `json:"message"`
	Resolved   bool   `json:"resolved"`
	CreatedAt  int64  `json:"createdAt"`
	ResolvedAt *int64 `json:"resolvedAt,omitempty"`
}

// InsertMetricSample persists one resource sample.
func (s *Store) InsertMetricSample(ctx context.Context, agentID string, cpuPct, memoryMB float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_metrics (agent_id, cpu_pct, memory_mb, sampled_at)
		 VALUES (?, ?, ?, ?)`,
		agentID, cpuPct, memoryMB, s.nowMilli())
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

// LatestMetric returns the most recent sample for an agent.
func (s *Store) LatestMetric(ctx context.Context, agentID string) (*MetricSample, error) {
	var m MetricSample
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, cpu_pct, memory_mb, sampled_at FROM agent_metrics
		 WHERE agent_id = ? ORDER BY sampled_at DESC, id DESC LIMIT 1`, agentID).
		Scan(&m.ID, &m.AgentID, &m.CPUPct, &m.MemoryMB, &m.SampledAt)
	if err == sql.ErrNoRows {
		return nil, kinderr.Newf(kinderr.NotFound, "no metrics for agent %s", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest metric: %w", err)
	}
	return &m, nil
}

// ListMetrics returns samples for an agent within the window, oldest
// first.
func (s *Store) ListMetrics(ctx context.Context, agentID string, window time.Duration) ([]*MetricSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, cpu_pct, memory_mb, sampled_at FROM agent_metrics
		 WHERE agent_id = ? AND sampled_at >= ? ORDER BY sampled_at, id`,
		agentID, s.now().Add(-window).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []*MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(&m.ID, &m.AgentID, &m.CPUPct, &m.MemoryMB, &m.SampledAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// InsertAgentEvent persists a monitoring event.
func (s *Store) InsertAgentEvent(ctx context.Context, agentID, eventType, message string, meta Metadata) error {
	switch eventType {
	case EventInfo, EventWarning, EventError:
	default:
		return kinderr.Newf(kinderr.Validation, "invalid event type %q", eventType)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_events (agent_id, event_type, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		agentID, eventType, message, marshalMeta(meta), s.nowMilli())
	if err != nil {
		return fmt.Errorf("insert agent event: %w", err)
	}
	return nil
}

// ListAgentEvents returns an agent's events, newest first.
func (s *Store) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, event_type, message, metadata, created_at FROM agent_events
		 WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()

	var out []*AgentEvent
	for rows.Next() {
		var e AgentEvent
		var meta string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.EventType, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		e.Metadata = unmarshalMeta(meta)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LogError records a failure in the error log.
func (s *Store) LogError(ctx context.Context, agentID, source, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (agent_id, source, message, resolved, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		agentID, source, message, s.nowMilli())
	if err != nil {
		return 0, fmt.Errorf("log error: %w", err)
	}
	return res.LastInsertId()
}

// ResolveError marks an error log entry resolved. Idempotent.
func (s *Store) ResolveError(ctx context.Context, errorID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE error_logs SET resolved = 1, resolved_at = ? WHERE id = ?`,
		s.nowMilli(), errorID)
	if err != nil {
		return fmt.Errorf("resolve error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kinderr.Newf(kinderr.NotFound, "error log %d not found", errorID)
	}
	return nil
}

// UnresolvedErrorCount counts open errors for an agent.
func (s *Store) UnresolvedErrorCount(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_logs WHERE agent_id = ? AND resolved = 0`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unresolved error count: %w", err)
	}
	return n, nil
}

// ListErrors returns error log entries, optionally only unresolved,
// newest first.
func (s *Store) ListErrors(ctx context.Context, agentID string, unresolvedOnly bool, limit int) ([]*ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, agent_id, source, message, resolved, created_at, resolved_at
	      FROM error_logs WHERE 1=1`
	var args []any
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if unresolvedOnly {
		q += ` AND resolved = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []*ErrorLog
	for rows.Next() {
		var e ErrorLog
		var resolved int
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Source, &e.Message, &resolved, &e.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		e.Resolved = resolved != 0
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupMonitoring deletes metrics and events older than the cutoff,
// plus resolved errors older than the cutoff. Unresolved errors are
// retained regardless of age. Returns total rows deleted.
func (s *Store) CleanupMonitoring(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()

	var total int64
	for _, q := range []string{
		`DELETE FROM agent_metrics WHERE sampled_at < ?`,
		`DELETE FROM agent_events WHERE created_at < ?`,
		`DELETE FROM error_logs WHERE resolved = 1 AND created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("monitoring cleanup: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
