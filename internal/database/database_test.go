package database

import (
	"path/filepath"
	"testing"
)

func TestOpenRunsMigrations(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"families", "members", "tasks", "ledger_entries", "calendar_events", "changes", "backups"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	v, err := Version(db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		db.Close()
	}
}

func TestPointsCannotGoNegative(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	res, err := db.Exec(`INSERT INTO families (name) VALUES ('Test')`)
	if err != nil {
		t.Fatalf("insert family: %v", err)
	}
	fid, _ := res.LastInsertId()
	if _, err := db.Exec(`INSERT INTO members (family_id, name, role, points, sort_key) VALUES (?, 'Kid', 'child', -1, 1)`, fid); err == nil {
		t.Error("expected check constraint violation for negative points")
	}
}
