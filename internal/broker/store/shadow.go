package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShadowResult is one tmux-versus-headless comparison.
type ShadowResult struct {
	ID                 int64   `json:"id"`
	TicketID           string  `json:"ticketId"`
	AgentID            string  `json:"agentId"`
	TmuxSuccess        bool    `json:"tmuxSuccess"`
	HeadlessSuccess    bool    `json:"headlessSuccess"`
	OutputMatch        bool    `json:"outputMatch"`
	LatencyDeltaMs     int64   `json:"latencyDeltaMs"` // headless - tmux
	TmuxDurationMs     int64   `json:"tmuxDurationMs"`
	HeadlessDurationMs int64   `json:"headlessDurationMs"`
	TmuxError          *string `json:"tmuxError,omitempty"`
	HeadlessError      *string `json:"headlessError,omitempty"`
	TmuxResponse       *string `json:"tmuxResponse,omitempty"`
	HeadlessResponse   *string `json:"headlessResponse,omitempty"`
	CreatedAt          int64   `json:"createdAt"`
}

// InsertShadowResult persists one comparison row.
func (s *Store) InsertShadowResult(ctx context.Context, r *ShadowResult) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shadow_results (ticket_id, agent_id, tmux_success, headless_success, output_match,
		   latency_delta_ms, tmux_duration_ms, headless_duration_ms, tmux_error, headless_error,
		   tmux_response, headless_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TicketID, r.AgentID, boolToInt(r.TmuxSuccess), boolToInt(r.HeadlessSuccess),
		boolToInt(r.OutputMatch), r.LatencyDeltaMs, r.TmuxDurationMs, r.HeadlessDurationMs,
		nullStr(r.TmuxError), nullStr(r.HeadlessError), nullStr(r.TmuxResponse),
		nullStr(r.HeadlessResponse), s.nowMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert shadow result: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ShadowStats aggregates comparisons for one agent, or all agents when
// agentID is empty.
type ShadowStats struct {
	Total               int64   `json:"total"`
	TmuxSuccessRate     float64 `json:"tmuxSuccessRate"`
	HeadlessSuccessRate float64 `json:"headlessSuccessRate"`
	MatchRate           float64 `json:"matchRate"`
	Mismatches          int64   `json:"mismatches"`
	AvgLatencyDeltaMs   float64 `json:"avgLatencyDeltaMs"`
}

// GetShadowStats computes rolling shadow comparison aggregates over
// the window.
func (s *Store) GetShadowStats(ctx context.Context, agentID string, window time.Duration) (*ShadowStats, error) {
	q := `SELECT COUNT(*),
	        COALESCE(SUM(tmux_success), 0),
	        COALESCE(SUM(headless_success), 0),
	        COALESCE(SUM(output_match), 0),
	        COALESCE(SUM(tmux_success = 1 AND headless_success = 1 AND output_match = 0), 0),
	        COALESCE(AVG(latency_delta_ms), 0)
	      FROM shadow_results WHERE created_at >= ?`
	args := []any{s.now().Add(-window).UnixMilli()}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}

	var stats ShadowStats
	var tmuxOk, headlessOk, matches int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&stats.Total, &tmuxOk, &headlessOk, &matches, &stats.Mismatches, &stats.AvgLatencyDeltaMs)
	if err != nil {
		return nil, fmt.Errorf("shadow stats: %w", err)
	}
	if stats.Total > 0 {
		stats.TmuxSuccessRate = float64(tmuxOk) / float64(stats.Total)
		stats.HeadlessSuccessRate = float64(headlessOk) / float64(stats.Total)
		stats.MatchRate = float64(matches) / float64(stats.Total)
	}
	return &stats, nil
}

// ListShadowMismatches returns comparisons where both sides succeeded
// but outputs diverged, newest first.
func (s *Store) ListShadowMismatches(ctx context.Context, agentID string, limit int) ([]*ShadowResult, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, ticket_id, agent_id, tmux_success, headless_success, output_match,
	        latency_delta_ms, tmux_duration_ms, headless_duration_ms, tmux_error, headless_error,
	        tmux_response, headless_response, created_at
	      FROM shadow_results
	      WHERE tmux_success = 1 AND headless_success = 1 AND output_match = 0`
	var args []any
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list shadow mismatches: %w", err)
	}
	defer rows.Close()

	var out []*ShadowResult
	for rows.Next() {
		r, err := scanShadowResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanShadowResult(r rowScanner) (*ShadowResult, error) {
	var sr ShadowResult
	var tmuxOk, headlessOk, match int
	var tmuxErr, headlessErr, tmuxResp, headlessResp sql.NullString
	err := r.Scan(&sr.ID, &sr.TicketID, &sr.AgentID, &tmuxOk, &headlessOk, &match,
		&sr.LatencyDeltaMs, &sr.TmuxDurationMs, &sr.HeadlessDurationMs,
		&tmuxErr, &headlessErr, &tmuxResp, &headlessResp, &sr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan shadow result: %w", err)
	}
	sr.TmuxSuccess = tmuxOk != 0
	sr.HeadlessSuccess = headlessOk != 0
	sr.OutputMatch = match != 0
	sr.TmuxError = strOrNil(tmuxErr)
	sr.HeadlessError = strOrNil(headlessErr)
	sr.TmuxResponse = strOrNil(tmuxResp)
	sr.HeadlessResponse = strOrNil(headlessResp)
	return &sr, nil
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strOrNil(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
