// Package store is the broker's persistence layer over the operational
// SQLite database: agents, tickets, messages, conversations and turns,
// shadow comparisons, and monitoring rows. Each aggregate is mutated
// only through this package.
package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// Store wraps the operational database. All timestamps are stored as
// epoch milliseconds assigned by the store, not by SQLite.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	waiters *waiterTable

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Store over an opened, migrated database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		logger:  logger.With("component", "store"),
		waiters: newWaiterTable(),
		now:     time.Now,
	}
}

// DB exposes the underlying handle for maintenance operations
// (checkpointing at shutdown).
func (s *Store) DB() *sql.DB { return s.db }

// Checkpoint truncates the WAL. Called during graceful shutdown so the
// database is left as a single file.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// nowMilli returns the current time as epoch milliseconds.
func (s *Store) nowMilli() int64 { return s.now().UnixMilli() }

// Metadata is a free-form JSON object attached to most rows.
type Metadata map[string]any

// marshalMeta renders metadata for storage, defaulting to "{}".
func marshalMeta(m Metadata) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalMeta parses stored metadata, tolerating malformed rows.
func unmarshalMeta(s string) Metadata {
	if s == "" || s == "{}" {
		return Metadata{}
	}
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Metadata{}
	}
	return m
}
