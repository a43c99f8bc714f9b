package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// mustCreateTicket inserts a ticket with the given title.
func mustCreateTicket(t *testing.T, db *DB, title string) *models.Ticket {
	t.Helper()
	tk := &models.Ticket{Title: title, Body: "body of " + title}
	if err := db.CreateTicket(tk); err != nil {
		t.Fatalf("CreateTicket(%q) failed: %v", title, err)
	}
	return tk
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	path := filepath.Join(nested, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := OpenWithDriver(tempDBPath(t), "postgres"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion() = %d, want 4", v)
	}

	tables := []string{"tickets", "replies", "runs", "steps", "tree_nodes", "audit_log"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestFormatParseTime(t *testing.T) {
	original := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	parsed, err := parseTime(formatTime(original))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("round trip = %v, want %v", parsed, original)
	}

	local := original.In(time.FixedZone("EST", -5*3600))
	if got := formatTime(local); got != formatTime(original) {
		t.Errorf("formatTime should normalize to UTC: %q vs %q", got, formatTime(original))
	}
}

func TestParseNullableTime(t *testing.T) {
	if got := parseNullableTime(sql.NullString{}); got != nil {
		t.Errorf("parseNullableTime(NULL) = %v, want nil", got)
	}
}

func TestTransaction_RollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "rollback")

	_, err := db.ModifyTicket(tk.ID, func(t *models.Ticket) error {
		t.Title = ""
		return nil
	})
	if err == nil {
		t.Fatal("expected validation error for empty title")
	}

	got, err := db.GetTicket(tk.ID)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if got.Title != "rollback" {
		t.Errorf("Title = %q, want %q after rollback", got.Title, "rollback")
	}
}
