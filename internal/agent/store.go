package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger is the durable store the core consumes: append-only snapshots and
// delivery records, upserted alert state. Implementations serialize writes
// per source; SetAlertState is atomic.
type Ledger interface {
	AppendSnapshot(ctx context.Context, s *Snapshot) (int64, error)
	LastSnapshot(ctx context.Context, source string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, source string, q SnapshotQuery) ([]Snapshot, error)
	GetAlertState(ctx context.Context, source, target string) (*AlertState, error)
	SetAlertState(ctx context.Context, state *AlertState) error
	LogDelivery(ctx context.Context, rec *DeliveryRecord) error
	PurgeOldSnapshots(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error)
}

// SnapshotQuery filters ListSnapshots. Filters apply before the limit; rows
// come back newest-first.
type SnapshotQuery struct {
	Limit       int
	MaxAgeDays  int
	SuccessOnly bool
	Now         time.Time
}

// RetentionPolicy bounds PurgeOldSnapshots.
type RetentionPolicy struct {
	MaxAgeDays   int
	MinPerSource int
}

// currentSchemaVersion is incremented when the schema changes in a way that
// requires data migration (not just adding columns).
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source_name      TEXT    NOT NULL,
	collected_at     INTEGER NOT NULL,
	collect_status   TEXT    NOT NULL,
	row_count        INTEGER,
	latest_timestamp INTEGER,
	metrics_json     TEXT    NOT NULL DEFAULT '{}',
	metadata_json    TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_snapshots_source_time ON snapshots(source_name, collected_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_source_status_time ON snapshots(source_name, collect_status, collected_at DESC);

CREATE TABLE IF NOT EXISTS alert_states (
	source_name          TEXT    NOT NULL,
	target_name          TEXT    NOT NULL,
	notified_status      TEXT    NOT NULL,
	notified_reason_hash TEXT    NOT NULL,
	last_change_at       INTEGER NOT NULL,
	last_sent_at         INTEGER,
	cooldown_until       INTEGER,
	PRIMARY KEY (source_name, target_name)
);

CREATE TABLE IF NOT EXISTS delivery_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	source_name   TEXT    NOT NULL,
	target_name   TEXT    NOT NULL,
	event_type    TEXT    NOT NULL,
	payload_hash  TEXT    NOT NULL,
	sent_at       INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	status_code   INTEGER,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	error_message TEXT    NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_source_time ON delivery_log(source_name, sent_at DESC);
`

// Store is the SQLite-backed ledger. Single writer: the connection pool is
// capped at one connection, which serializes all writes.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates a SQLite database at the given path with WAL mode.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Restrict database file permissions to owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema and records the applied version. PRAGMA
// user_version tracks the migration point for future schema changes.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO schema_meta (version, applied_at) VALUES (?, ?)",
		currentSchemaVersion, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_meta").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
