// Package state provides SQLite-based persistence for switchboard.
// It stores tickets, replies, runs, steps, the agent tree and the
// append-only audit log.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the mattn/go-sqlite3 driver.
	DriverCGO = "sqlite3"
)

// DB wraps an SQLite database connection with switchboard-specific operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	mu     sync.RWMutex
}

// DefaultDBPath returns the path to the default switchboard database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "switchboard", "switchboard.db")
}

// Open opens an SQLite database at the given path using the pure-Go driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(path, DriverModernc)
}

// OpenWithDriver opens an SQLite database with the named driver.
// It creates the parent directories if they don't exist.
// WAL mode, foreign keys and a busy timeout are set on every pooled
// connection through the DSN.
func OpenWithDriver(path, driver string) (*DB, error) {
	if driver == "" {
		driver = DriverModernc
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn, err := buildDSN(path, driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		driver: driver,
	}, nil
}

func buildDSN(path, driver string) (string, error) {
	switch driver {
	case DriverModernc:
		return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", nil
	case DriverCGO:
		return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tickets},
		{2, migrationV2Runs},
		{3, migrationV3TreeNodes},
		{4, migrationV4AuditLog},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

const migrationV1Tickets = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	number INTEGER NOT NULL UNIQUE,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'open',
	processing_status TEXT NOT NULL DEFAULT 'none',
	assigned_queue TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL DEFAULT '',
	creator TEXT NOT NULL DEFAULT '',
	parent_id TEXT REFERENCES tickets(id),
	auto_created INTEGER NOT NULL DEFAULT 0,
	clarity_score INTEGER NOT NULL DEFAULT 0,
	clarification_rounds INTEGER NOT NULL DEFAULT 0,
	flagged_review INTEGER NOT NULL DEFAULT 0,
	failed_runs INTEGER NOT NULL DEFAULT 0,
	verification_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_error_at TEXT,
	phase_started_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_queue ON tickets(assigned_queue);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_id);

CREATE TABLE IF NOT EXISTS replies (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL REFERENCES tickets(id),
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	clarity_score INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replies_ticket ON replies(ticket_id);
`

const migrationV2Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL REFERENCES tickets(id),
	run_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	error_stack TEXT NOT NULL DEFAULT '',
	verify_attempt INTEGER NOT NULL DEFAULT 0,
	verify_passed INTEGER NOT NULL DEFAULT 0,
	verify_score INTEGER NOT NULL DEFAULT 0,
	failure_details TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT,
	UNIQUE(ticket_id, run_number)
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_id);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	step_number INTEGER NOT NULL,
	agent_name TEXT NOT NULL,
	deliverable_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	response TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	completed_at TEXT,
	UNIQUE(run_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
`

const migrationV3TreeNodes = `
CREATE TABLE IF NOT EXISTS tree_nodes (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	position INTEGER NOT NULL,
	level INTEGER NOT NULL,
	name TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	retries INTEGER NOT NULL DEFAULT 0,
	escalations INTEGER NOT NULL DEFAULT 0,
	tokens_consumed INTEGER NOT NULL DEFAULT 0,
	capability TEXT NOT NULL DEFAULT 'general',
	conversation TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_tree_nodes_parent ON tree_nodes(parent_id);
`

const migrationV4AuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ticket_id TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_ticket ON audit_log(ticket_id);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
// The write lock is held for the whole transaction, which is what makes
// ticket, run and step number allocation atomic.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// formatNullableTime formats an optional time for storage.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString maps the empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// now returns the current time truncated to what storage round-trips.
func now() time.Time {
	return time.Now().UTC()
}
