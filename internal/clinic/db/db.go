// Package db provides the embedded SQLite store of a clinic device.
//
// The store holds four things in one database file:
//   - content records: multilingual text addressed by id
//   - entities: patients, visits, events and users
//   - the change journal: (kind, id) -> latest local version + pending flag
//   - sync checkpoints: one cursor per remote instance
//
// Every local mutation writes its rows and its journal entry in the same
// transaction. The database runs in WAL mode, so reads never wait for a
// sync that is merging pulled records.
//
// Each field of an entity row carries its own logical version (the
// "versions" column). Versions come from a per-device hybrid clock in
// milliseconds that never goes backwards and is advanced past every version
// pulled from a remote, so a later local edit always outranks what the
// device has already seen.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// SchemaVersion is stored in PRAGMA user_version. A database written by a
// newer schema is refused rather than migrated.
const SchemaVersion = 1

// VisitDeletion selects what deleting a visit does to its events.
type VisitDeletion string

const (
	// DeleteCascade tombstones the visit's events along with the visit.
	DeleteCascade VisitDeletion = "cascade"

	// DeleteOrphan keeps the events stored but hides them from every read.
	DeleteOrphan VisitDeletion = "orphan"
)

// ParseVisitDeletion returns the policy called name.
func ParseVisitDeletion(name string) (VisitDeletion, error) {
	switch VisitDeletion(name) {
	case "", DeleteCascade:
		return DeleteCascade, nil
	case DeleteOrphan:
		return DeleteOrphan, nil
	default:
		return "", fmt.Errorf("unknown visit deletion policy %q (want %s or %s)", name, DeleteCascade, DeleteOrphan)
	}
}

// Config tunes store behavior.
type Config struct {
	// VisitDeletion is applied by DeleteVisit.
	VisitDeletion VisitDeletion

	// Now returns the wall clock. Tests replace it.
	Now func() time.Time
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		VisitDeletion: DeleteCascade,
		Now:           time.Now,
	}
}

// DB wraps the SQLite connection pool of one device.
type DB struct {
	conn     *sql.DB
	path     string
	cfg      Config
	deviceID string

	// schemaMu serializes InitSchema.
	schemaMu sync.Mutex
}

// Open opens (creating if needed) the store at path with DefaultConfig.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("clinic.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens the store at path and initializes its schema.
func OpenWithConfig(path string, cfg Config) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.VisitDeletion == "" {
		cfg.VisitDeletion = DeleteCascade
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	// Immediate transactions take the write lock up front, which keeps
	// concurrent writers from deadlocking on lock upgrade.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
		cfg:  cfg,
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// DeviceID returns the id this device stamps on the records it writes.
func (db *DB) DeviceID() string {
	return db.deviceID
}

// Config returns the store configuration.
func (db *DB) Config() Config {
	return db.cfg
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist and loads the device
// id. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return clinic.Storage("read schema version", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: database schema version %d is newer than supported version %d",
			clinic.ErrStorage, version, SchemaVersion)
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Content store: one row per record, one entry per language
	CREATE TABLE IF NOT EXISTS contents (
		id TEXT PRIMARY KEY,
		origin TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content_entries (
		content_id TEXT NOT NULL,
		language TEXT NOT NULL,
		text TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (content_id, language),
		FOREIGN KEY (content_id) REFERENCES contents(id) ON DELETE CASCADE
	);

	-- Entities. Cross-entity references are not foreign keys: pulled
	-- records may arrive before the records they reference.
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT,          -- content id
		role TEXT,
		email TEXT,
		phone TEXT,
		instance_url TEXT,
		versions TEXT NOT NULL DEFAULT '{}',  -- JSON field -> version
		origin TEXT
	);

	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		given_name TEXT,    -- content id
		surname TEXT,       -- content id
		country TEXT,       -- content id
		hometown TEXT,      -- content id
		section TEXT,       -- content id
		date_of_birth TEXT, -- YYYY-MM-DD
		sex TEXT,
		phone TEXT,
		serial_number TEXT,
		camp TEXT,
		registered_by_provider_id TEXT,
		registered_at TEXT,
		versions TEXT NOT NULL DEFAULT '{}',
		origin TEXT
	);

	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		patient_id TEXT,
		clinic_id TEXT,
		provider_id TEXT,
		check_in_timestamp TEXT,
		deleted TEXT,       -- '1' when tombstoned
		versions TEXT NOT NULL DEFAULT '{}',
		origin TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		patient_id TEXT,
		visit_id TEXT,      -- NULL for patient-level events
		event_type TEXT,
		event_metadata TEXT,
		event_timestamp TEXT,
		deleted TEXT,
		versions TEXT NOT NULL DEFAULT '{}',
		origin TEXT
	);

	-- Change journal: latest local version per entity
	CREATE TABLE IF NOT EXISTS change_journal (
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		pending INTEGER NOT NULL DEFAULT 1,
		pushed_version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_kind, entity_id)
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		instance_url TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL DEFAULT 0,
		pushed_watermark INTEGER NOT NULL DEFAULT 0,
		last_sync_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patients_registered ON patients(registered_at);
	CREATE INDEX IF NOT EXISTS idx_content_entries_text ON content_entries(content_id, text);
	CREATE INDEX IF NOT EXISTS idx_visits_patient ON visits(patient_id, check_in_timestamp);
	CREATE INDEX IF NOT EXISTS idx_visits_checkin ON visits(check_in_timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_visit ON events(visit_id);
	CREATE INDEX IF NOT EXISTS idx_events_latest
	    ON events(patient_id, event_type, event_timestamp);
	CREATE INDEX IF NOT EXISTS idx_journal_pending
	    ON change_journal(pending, version, entity_kind, entity_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %w", clinic.ErrStorage, err)
	}

	if version < SchemaVersion {
		if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return clinic.Storage("set schema version", err)
		}
	}

	return db.loadDeviceID(ctx)
}

func (db *DB) loadDeviceID(ctx context.Context) error {
	return db.withTx(ctx, "load device id", func(tx *sql.Tx) error {
		id, err := getMeta(ctx, tx, metaDeviceID)
		if err != nil {
			return err
		}
		if id == "" {
			id = schema.NewID()
			if err := setMeta(ctx, tx, metaDeviceID, id); err != nil {
				return err
			}
		}
		db.deviceID = id
		return nil
	})
}

// withTx runs fn in a transaction. Errors from fn are returned as they are;
// commit failures are storage errors.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return clinic.Storage("begin "+op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return clinic.Storage("commit "+op, err)
	}
	return nil
}

// executor is satisfied by *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	metaDeviceID = "device_id"
	metaClock    = "clock"
)

func getMeta(ctx context.Context, ex executor, key string) (string, error) {
	var value string
	err := ex.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", clinic.Storage("read meta "+key, err)
	}
	return value, nil
}

func setMeta(ctx context.Context, ex executor, key, value string) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return clinic.Storage("write meta "+key, err)
	}
	return nil
}
