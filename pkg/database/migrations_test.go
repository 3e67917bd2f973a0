package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	var version int
	var name string
	err := db.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version=1").Scan(&version, &name)
	if err != nil {
		t.Fatalf("Migration 001 not found: %v", err)
	}
	if name != "audit" {
		t.Errorf("Expected name 'audit', got '%s'", name)
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='Event'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check Event table: %v", err)
	}
	if count != 1 {
		t.Errorf("Event table not created")
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database first time: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database second time: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(migrations), count)
	}
}

func TestMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// A database created before the migration system existed
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	// Version 0 databases are fresh and are not backed up
	db, err := Open(dbPath, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.Close()

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "test.db.backup") {
			t.Errorf("unexpected backup %s for a fresh database", f.Name())
		}
	}

	path, err := backupDatabase(dbPath, 1)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "test.db.backup-v1-") {
		t.Errorf("unexpected backup name %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("Failed to load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("No migrations found")
	}

	for i := 0; i < len(migrations)-1; i++ {
		if migrations[i].Version >= migrations[i+1].Version {
			t.Errorf("Migrations not sorted: %d >= %d", migrations[i].Version, migrations[i+1].Version)
		}
	}

	if migrations[0].Version != 1 || migrations[0].Name != "audit" || migrations[0].SQL == "" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}
