// Package telemetry persists broker lifecycle events in a dedicated
// SQLite database and computes service-level indicators (availability,
// latency percentiles, error budgets, per-endpoint rollups) from them.
//
// The event database is separate from the operational store so its
// retention policy can differ. Writes are asynchronous and lossy under
// pressure: telemetry must never block or fail production work.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kokino/kokino/internal/broker/db"
)

// Event names recorded in the metrics table. The closed set keeps
// queries and dashboards stable.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionTimeout   = "execution_timeout"
	EventExecutionCancelled = "execution_cancelled"

	EventLockAcquired = "lock_acquired"
	EventLockTimeout  = "lock_timeout"

	EventLimitExceeded = "limit_exceeded"
	EventZombieKilled  = "zombie_killed"
	EventProcessExited = "process_exited"
	EventProcessFailed = "process_failed"

	EventJSONLFallbackRaw = "jsonl_fallback_raw"
	EventUnknownEvent     = "jsonl_unknown_event"
	EventParseError       = "jsonl_parse_error"

	EventShadowComparison     = "shadow_comparison"
	EventShadowMismatch       = "shadow_mismatch"
	EventShadowHeadlessFailed = "shadow_headless_failure"
	EventShadowTmuxFailed     = "shadow_tmux_failure"

	EventCircuitOpened         = "circuit_opened"
	EventCircuitRecovered      = "circuit_recovered"
	EventCircuitRecoveryFailed = "circuit_recovery_failed"

	EventAPIRequest = "api_request"

	EventIntegrityCheckFailed = "integrity_check_failed"
	EventSubscriberLagged     = "subscriber_lagged"
)

// executionOutcomeEvents are the events that count toward availability.
var executionOutcomeEvents = []string{
	EventExecutionCompleted,
	EventExecutionFailed,
	EventExecutionTimeout,
}

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event       TEXT NOT NULL,
    agent_id    TEXT NOT NULL DEFAULT '',
    cli_kind    TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    success     INTEGER,
    metadata    TEXT NOT NULL DEFAULT '{}',
    ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_event_ts ON metrics (event, ts);
CREATE INDEX IF NOT EXISTS idx_metrics_agent ON metrics (agent_id);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics (ts);
`

// Event is one telemetry record. Success is three-valued: nil means
// not applicable (e.g. a lock event has no success dimension).
type Event struct {
	Event      string
	AgentID    string
	CLIKind    string
	DurationMs *int64
	Success    *bool
	Metadata   map[string]any
	// ts is stamped by the collector at Record time.
	ts int64
}

// Dur wraps a duration in milliseconds for Event.DurationMs.
func Dur(ms int64) *int64 { return &ms }

// Ok wraps a success flag for Event.Success.
func Ok(v bool) *bool { return &v }

type record struct {
	ev  Event
	ack chan struct{} // non-nil only for flush sentinels
}

// Collector appends events to the telemetry database from a background
// writer goroutine. Record never blocks; events are dropped with a
// warning when the queue is full.
type Collector struct {
	db     *sql.DB
	logger *slog.Logger
	ch     chan record
	done   chan struct{}

	closeOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

const queueSize = 1024

// New opens (creating if needed) the telemetry database at path and
// starts the writer. Use ":memory:" in tests.
func New(path string, logger *slog.Logger) (*Collector, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Collector{
		db:     conn,
		logger: logger.With("component", "telemetry"),
		ch:     make(chan record, queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go c.writeLoop()
	return c, nil
}

// Record enqueues an event for durable append. Never blocks: if the
// queue is full the event is dropped and a warning logged. Safe to
// call on a nil receiver (no-op), which lets tests skip telemetry
// wiring.
func (c *Collector) Record(e Event) {
	if c == nil {
		return
	}
	e.ts = c.now().UnixMilli()
	select {
	case c.ch <- record{ev: e}:
	default:
		c.logger.Warn("telemetry queue full, dropping event", "event", e.Event)
	}
}

// Flush blocks until all events enqueued before the call are written.
func (c *Collector) Flush() {
	if c == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case c.ch <- record{ack: ack}:
		<-ack
	case <-c.done:
	}
}

// Close flushes pending events and closes the database.
func (c *Collector) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.ch)
		<-c.done
	})
	return c.db.Close()
}

func (c *Collector) writeLoop() {
	defer close(c.done)
	for rec := range c.ch {
		if rec.ack != nil {
			close(rec.ack)
			continue
		}
		c.insert(rec.ev)
	}
}

func (c *Collector) insert(e Event) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	var durationMs, success any
	if e.DurationMs != nil {
		durationMs = *e.DurationMs
	}
	if e.Success != nil {
		if *e.Success {
			success = 1
		} else {
			success = 0
		}
	}

	_, err := c.db.Exec(
		`INSERT INTO metrics (event, agent_id, cli_kind, duration_ms, success, metadata, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Event, e.AgentID, e.CLIKind, durationMs, success, meta, e.ts,
	)
	if err != nil {
		// Telemetry failures never propagate to production paths.
		c.logger.Error("telemetry write failed", "event", e.Event, "error", err)
	}
}

// windowCutoff returns the epoch-millisecond lower bound for a query
// window. windowHours <= 0 means an unbounded window.
func (c *Collector) windowCutoff(windowHours int) int64 {
	if windowHours <= 0 {
		return 0
	}
	return c.now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
}
