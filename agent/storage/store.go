// Package storage persists discovery history and an audit trail of executed
// RPCs in a local SQLite database. The store is optional: the agent runs
// fine without one.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Logger is the minimal logger for storage operations, injected by the host
// application.
type Logger interface {
	Error(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var storageLogger Logger

// SetLogger sets the logger for the storage package.
func SetLogger(l Logger) { storageLogger = l }

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// RPCRecord is one executed operation.
type RPCRecord struct {
	ID        int64
	Host      string
	Operation string
	OK        bool
	Message   string
	Timestamp time.Time
}

// DeviceRecord is one device ever seen by discovery.
type DeviceRecord struct {
	Name      string
	Addr      string
	Port      int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Open creates or opens the store at path; an empty path gives an in-memory
// database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writes internally; keep the pool small. An
	// in-memory database exists per connection, so it must stay on one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rpc_audit (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			host      TEXT NOT NULL,
			operation TEXT NOT NULL,
			ok        INTEGER NOT NULL,
			message   TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rpc_audit_ts ON rpc_audit(timestamp)`,
		`CREATE TABLE IF NOT EXISTS device_history (
			name       TEXT PRIMARY KEY,
			addr       TEXT NOT NULL,
			port       INTEGER NOT NULL,
			first_seen DATETIME NOT NULL,
			last_seen  DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// RecordRPC appends one executed operation to the audit trail.
func (s *Store) RecordRPC(ctx context.Context, rec *RPCRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rpc_audit (host, operation, ok, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.Host, rec.Operation, rec.OK, rec.Message, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record rpc: %w", err)
	}
	if storageLogger != nil {
		storageLogger.Debug("rpc audit recorded", "host", rec.Host, "op", rec.Operation, "ok", rec.OK)
	}
	return nil
}

// RecentRPCs returns the newest audit entries, most recent first.
func (s *Store) RecentRPCs(ctx context.Context, limit int) ([]*RPCRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, operation, ok, message, timestamp FROM rpc_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rpc audit: %w", err)
	}
	defer rows.Close()

	var out []*RPCRecord
	for rows.Next() {
		rec := &RPCRecord{}
		var msg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Host, &rec.Operation, &rec.OK, &msg, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if msg.Valid {
			rec.Message = msg.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordDevice upserts a discovered device, keeping first-seen intact and
// advancing last-seen.
func (s *Store) RecordDevice(ctx context.Context, name, addr string, port int) error {
	if name == "" {
		return fmt.Errorf("empty device name")
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_history (name, addr, port, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET addr = excluded.addr, port = excluded.port, last_seen = excluded.last_seen`,
		name, addr, port, now, now)
	if err != nil {
		return fmt.Errorf("failed to record device: %w", err)
	}
	return nil
}

// Devices returns every device ever seen, most recently seen first.
func (s *Store) Devices(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, addr, port, first_seen, last_seen FROM device_history ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device history: %w", err)
	}
	defer rows.Close()

	var out []*DeviceRecord
	for rows.Next() {
		rec := &DeviceRecord{}
		if err := rows.Scan(&rec.Name, &rec.Addr, &rec.Port, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
