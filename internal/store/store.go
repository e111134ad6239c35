// Package store provides persistent storage for devices, telemetry,
// alerts and control commands using SQLite for durability.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the server database. SQLite works best with a single writer,
// so the connection pool is pinned to one connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the server database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			token_fingerprint TEXT NOT NULL,
			heartbeat_interval_s INTEGER NOT NULL,
			offline_after_s INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			operation_mode TEXT NOT NULL DEFAULT 'active',
			sleep_poll_interval_s INTEGER NOT NULL,
			alerts_muted_until INTEGER,
			alerts_muted_reason TEXT NOT NULL DEFAULT '',
			last_seen_at INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_fingerprint
			ON devices(token_fingerprint);

		CREATE TABLE IF NOT EXISTS telemetry_dedupe (
			device_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS telemetry_points (
			device_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			metrics TEXT NOT NULL,
			batch_id TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_points_device_ts
			ON telemetry_points(device_id, ts);

		CREATE TABLE IF NOT EXISTS ingestion_batches (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			contract_version TEXT NOT NULL,
			contract_hash TEXT NOT NULL,
			received_at INTEGER NOT NULL,
			submitted INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0,
			duplicates INTEGER NOT NULL DEFAULT 0,
			quarantined INTEGER NOT NULL DEFAULT 0,
			client_ts_min INTEGER,
			client_ts_max INTEGER,
			unknown_keys TEXT NOT NULL DEFAULT '[]',
			mismatch_keys TEXT NOT NULL DEFAULT '[]',
			reject_errors TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL,
			pipeline_mode TEXT NOT NULL,
			processing_status TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_batches_device_received
			ON ingestion_batches(device_id, received_at);

		CREATE TABLE IF NOT EXISTS quarantined_points (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			metrics TEXT NOT NULL,
			errors TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_quarantine_batch
			ON quarantined_points(batch_id);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			value REAL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
			ON alerts(device_id, alert_type) WHERE resolved_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_alerts_device_created
			ON alerts(device_id, created_at);

		CREATE TABLE IF NOT EXISTS notification_events (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			channel TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			delivered INTEGER NOT NULL DEFAULT 0,
			destination_fp TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notif_dedupe
			ON notification_events(device_id, alert_type, delivered, created_at);

		CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			superseded_at INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_pending
			ON device_commands(device_id) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_commands_device_issued
			ON device_commands(device_id, issued_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.Warn().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only queries in jobs and handlers.
func (s *Store) DB() *sql.DB {
	return s.db
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal JSON column")
		return "null"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
