package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// SLI names accepted by ErrorBudget.
const (
	SLIAvailability = "availability"
	SLILatency      = "latency"
	SLICorrectness  = "correctness"
	SLIIntegrity    = "integrity"
)

// latencyThresholdMs is the latency SLO threshold: completed
// executions slower than this consume latency budget.
const latencyThresholdMs = 30_000

// Budget reports error-budget consumption for one SLI over a window.
type Budget struct {
	SLI             string  `json:"sli"`
	Target          float64 `json:"target"`
	Total           int64   `json:"total"`
	Budget          int64   `json:"budget"`
	Consumed        int64   `json:"consumed"`
	Remaining       int64   `json:"remaining"`
	PercentConsumed float64 `json:"percentConsumed"`
}

// EndpointStats is the per-path rollup of api_request events.
type EndpointStats struct {
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"successRate"`
	MinMs       int64   `json:"minMs"`
	AvgMs       float64 `json:"avgMs"`
	MaxMs       int64   `json:"maxMs"`
	P50Ms       int64   `json:"p50Ms"`
	P95Ms       int64   `json:"p95Ms"`
	P99Ms       int64   `json:"p99Ms"`
}

// KindStats is the per-CLI-kind execution duration rollup.
type KindStats struct {
	Executions int64   `json:"executions"`
	MinMs      int64   `json:"minMs"`
	AvgMs      float64 `json:"avgMs"`
	MaxMs      int64   `json:"maxMs"`
	P95Ms      int64   `json:"p95Ms"`
}

// ErrorEntry is one failure event, newest first in RecentErrors.
type ErrorEntry struct {
	Event    string `json:"event"`
	AgentID  string `json:"agentId,omitempty"`
	CLIKind  string `json:"cliKind,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Ts       int64  `json:"ts"`
}

// Availability returns the success fraction over execution outcome
// events in the window. An empty window reports full availability.
func (c *Collector) Availability(windowHours int) (float64, error) {
	var total, successes int64
	err := c.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM metrics
		 WHERE event IN (?, ?, ?) AND ts >= ?`,
		executionOutcomeEvents[0], executionOutcomeEvents[1], executionOutcomeEvents[2],
		c.windowCutoff(windowHours),
	).Scan(&total, &successes)
	if err != nil {
		return 0, fmt.Errorf("availability query: %w", err)
	}
	if total == 0 {
		return 1.0, nil
	}
	return float64(successes) / float64(total), nil
}

// LatencyPercentile returns the p-th percentile of completed execution
// durations in the window. The percentile index is ceil(p/100*n)-1 on
// the ascending-sorted set. Empty windows report 0.
func (c *Collector) LatencyPercentile(p float64, windowHours int) (int64, error) {
	durations, err := c.durations(EventExecutionCompleted, "", c.windowCutoff(windowHours))
	if err != nil {
		return 0, err
	}
	return percentile(durations, p), nil
}

// ErrorBudget computes error-budget consumption for the named SLI over
// the window. Unknown SLI names return an error.
func (c *Collector) ErrorBudget(sli string, windowHours int) (Budget, error) {
	cutoff := c.windowCutoff(windowHours)
	switch sli {
	case SLIAvailability:
		var total, successes int64
		err := c.db.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM metrics
			 WHERE event IN (?, ?, ?) AND ts >= ?`,
			executionOutcomeEvents[0], executionOutcomeEvents[1], executionOutcomeEvents[2],
			cutoff,
		).Scan(&total, &successes)
		if err != nil {
			return Budget{}, fmt.Errorf("availability budget: %w", err)
		}
		return makeBudget(SLIAvailability, 0.995, total, total-successes), nil

	case SLILatency:
		var total, slow int64
		err := c.db.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(duration_ms > ?), 0) FROM metrics
			 WHERE event = ? AND duration_ms IS NOT NULL AND ts >= ?`,
			latencyThresholdMs, EventExecutionCompleted, cutoff,
		).Scan(&total, &slow)
		if err != nil {
			return Budget{}, fmt.Errorf("latency budget: %w", err)
		}
		return makeBudget(SLILatency, 0.95, total, slow), nil

	case SLICorrectness:
		var total, mismatches int64
		err := c.db.QueryRow(
			`SELECT
			   COALESCE(SUM(event = ?), 0),
			   COALESCE(SUM(event = ?), 0)
			 FROM metrics WHERE event IN (?, ?) AND ts >= ?`,
			EventShadowComparison, EventShadowMismatch,
			EventShadowComparison, EventShadowMismatch, cutoff,
		).Scan(&total, &mismatches)
		if err != nil {
			return Budget{}, fmt.Errorf("correctness budget: %w", err)
		}
		return makeBudget(SLICorrectness, 0.95, total, mismatches), nil

	case SLIIntegrity:
		var failures int64
		err := c.db.QueryRow(
			`SELECT COUNT(*) FROM metrics WHERE event = ? AND ts >= ?`,
			EventIntegrityCheckFailed, cutoff,
		).Scan(&failures)
		if err != nil {
			return Budget{}, fmt.Errorf("integrity budget: %w", err)
		}
		// Target 1.0 means zero budget: any failure saturates.
		b := Budget{SLI: SLIIntegrity, Target: 1.0, Total: failures, Consumed: failures}
		if failures > 0 {
			b.PercentConsumed = 100
		}
		return b, nil

	default:
		return Budget{}, fmt.Errorf("unknown SLI %q", sli)
	}
}

// AllBudgets returns budgets for every SLI, keyed by name.
func (c *Collector) AllBudgets(windowHours int) (map[string]Budget, error) {
	out := make(map[string]Budget, 4)
	for _, sli := range []string{SLIAvailability, SLILatency, SLICorrectness, SLIIntegrity} {
		b, err := c.ErrorBudget(sli, windowHours)
		if err != nil {
			return nil, err
		}
		out[sli] = b
	}
	return out, nil
}

// EndpointPercentiles returns per-path request rollups over api_request
// events in the window.
func (c *Collector) EndpointPercentiles(windowHours int) (map[string]EndpointStats, error) {
	rows, err := c.db.Query(
		`SELECT json_extract(metadata, '$.path'), duration_ms, COALESCE(success, 1)
		 FROM metrics
		 WHERE event = ? AND duration_ms IS NOT NULL AND ts >= ?`,
		EventAPIRequest, c.windowCutoff(windowHours),
	)
	if err != nil {
		return nil, fmt.Errorf("endpoint query: %w", err)
	}
	defer rows.Close()

	type acc struct {
		durations []int64
		successes int64
	}
	byPath := make(map[string]*acc)
	for rows.Next() {
		var path *string
		var durationMs int64
		var success int64
		if err := rows.Scan(&path, &durationMs, &success); err != nil {
			return nil, fmt.Errorf("endpoint scan: %w", err)
		}
		if path == nil || *path == "" {
			continue
		}
		a := byPath[*path]
		if a == nil {
			a = &acc{}
			byPath[*path] = a
		}
		a.durations = append(a.durations, durationMs)
		a.successes += success
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("endpoint rows: %w", err)
	}

	out := make(map[string]EndpointStats, len(byPath))
	for path, a := range byPath {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		n := int64(len(a.durations))
		var sum int64
		for _, d := range a.durations {
			sum += d
		}
		out[path] = EndpointStats{
			Requests:    n,
			SuccessRate: float64(a.successes) / float64(n),
			MinMs:       a.durations[0],
			AvgMs:       float64(sum) / float64(n),
			MaxMs:       a.durations[n-1],
			P50Ms:       percentile(a.durations, 50),
			P95Ms:       percentile(a.durations, 95),
			P99Ms:       percentile(a.durations, 99),
		}
	}
	return out, nil
}

// PerformanceByKind returns execution duration rollups grouped by CLI
// kind over the window.
func (c *Collector) PerformanceByKind(windowHours int) (map[string]KindStats, error) {
	rows, err := c.db.Query(
		`SELECT cli_kind, duration_ms FROM metrics
		 WHERE event = ? AND duration_ms IS NOT NULL AND ts >= ?`,
		EventExecutionCompleted, c.windowCutoff(windowHours),
	)
	if err != nil {
		return nil, fmt.Errorf("performance query: %w", err)
	}
	defer rows.Close()

	byKind := make(map[string][]int64)
	for rows.Next() {
		var kind string
		var durationMs int64
		if err := rows.Scan(&kind, &durationMs); err != nil {
			return nil, fmt.Errorf("performance scan: %w", err)
		}
		byKind[kind] = append(byKind[kind], durationMs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("performance rows: %w", err)
	}

	out := make(map[string]KindStats, len(byKind))
	for kind, ds := range byKind {
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		var sum int64
		for _, d := range ds {
			sum += d
		}
		n := int64(len(ds))
		out[kind] = KindStats{
			Executions: n,
			MinMs:      ds[0],
			AvgMs:      float64(sum) / float64(n),
			MaxMs:      ds[n-1],
			P95Ms:      percentile(ds, 95),
		}
	}
	return out, nil
}

// RecentErrors returns up to limit failure events in the window,
// newest first.
func (c *Collector) RecentErrors(windowHours, limit int) ([]ErrorEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(
		`SELECT event, agent_id, cli_kind, metadata, ts FROM metrics
		 WHERE (success = 0 OR event IN (?, ?, ?, ?, ?)) AND ts >= ?
		 ORDER BY ts DESC LIMIT ?`,
		EventExecutionFailed, EventExecutionTimeout, EventLimitExceeded,
		EventZombieKilled, EventIntegrityCheckFailed,
		c.windowCutoff(windowHours), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("errors query: %w", err)
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		if err := rows.Scan(&e.Event, &e.AgentID, &e.CLIKind, &e.Metadata, &e.Ts); err != nil {
			return nil, fmt.Errorf("errors scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RequestRate returns execution outcome counts per hour over the
// window, keyed by the hour's epoch-millisecond start.
func (c *Collector) RequestRate(windowHours int) (map[int64]int64, error) {
	rows, err := c.db.Query(
		`SELECT (ts / 3600000) * 3600000 AS hour, COUNT(*) FROM metrics
		 WHERE event IN (?, ?, ?) AND ts >= ?
		 GROUP BY hour ORDER BY hour`,
		executionOutcomeEvents[0], executionOutcomeEvents[1], executionOutcomeEvents[2],
		c.windowCutoff(windowHours),
	)
	if err != nil {
		return nil, fmt.Errorf("rate query: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var hour, count int64
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("rate scan: %w", err)
		}
		out[hour] = count
	}
	return out, rows.Err()
}

// Dashboard bundles the headline numbers for the metrics dashboard.
type Dashboard struct {
	Availability float64          `json:"availability"`
	P50Ms        int64            `json:"p50Ms"`
	P95Ms        int64            `json:"p95Ms"`
	P99Ms        int64            `json:"p99Ms"`
	EventCounts  map[string]int64 `json:"eventCounts"`
}

// Snapshot computes the dashboard rollup for the window.
func (c *Collector) Snapshot(windowHours int) (Dashboard, error) {
	avail, err := c.Availability(windowHours)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Availability: avail, EventCounts: make(map[string]int64)}
	for _, pc := range []struct {
		p   float64
		dst *int64
	}{{50, &d.P50Ms}, {95, &d.P95Ms}, {99, &d.P99Ms}} {
		v, err := c.LatencyPercentile(pc.p, windowHours)
		if err != nil {
			return Dashboard{}, err
		}
		*pc.dst = v
	}

	rows, err := c.db.Query(
		`SELECT event, COUNT(*) FROM metrics WHERE ts >= ? GROUP BY event`,
		c.windowCutoff(windowHours),
	)
	if err != nil {
		return Dashboard{}, fmt.Errorf("event counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var event string
		var count int64
		if err := rows.Scan(&event, &count); err != nil {
			return Dashboard{}, fmt.Errorf("event counts scan: %w", err)
		}
		d.EventCounts[event] = count
	}
	return d, rows.Err()
}

// Cleanup deletes events older than retentionDays and returns the
// number deleted.
func (c *Collector) Cleanup(retentionDays int) (int64, error) {
	cutoff := c.now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := c.db.Exec(`DELETE FROM metrics WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("telemetry cleanup: %w", err)
	}
	return res.RowsAffected()
}

func (c *Collector) durations(event, agentID string, cutoff int64) ([]int64, error) {
	q := `SELECT duration_ms FROM metrics WHERE event = ? AND duration_ms IS NOT NULL AND ts >= ?`
	args := []any{event, cutoff}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("durations query: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("durations scan: %w", err)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, rows.Err()
}

// percentile returns the p-th percentile of sorted using the
// ceil(p/100*n)-1 index rule. sorted must be ascending.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func makeBudget(sli string, target float64, total, consumed int64) Budget {
	budget := int64(math.Round(float64(total) * (1 - target)))
	b := Budget{
		SLI:      sli,
		Target:   target,
		Total:    total,
		Budget:   budget,
		Consumed: consumed,
	}
	if remaining := budget - consumed; remaining > 0 {
		b.Remaining = remaining
	}
	switch {
	case budget > 0:
		b.PercentConsumed = math.Min(100, float64(consumed)/float64(budget)*100)
	case consumed > 0:
		b.PercentConsumed = 100
	}
	return b
}

// normalizeSLI lowercases and trims an SLI name from a request.
func normalizeSLI(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ParseSLI validates an SLI name from an HTTP request, returning the
// canonical form or false.
func ParseSLI(s string) (string, bool) {
	switch v := normalizeSLI(s); v {
	case SLIAvailability, SLILatency, SLICorrectness, SLIIntegrity:
		return v, true
	default:
		return "", false
	}
}
