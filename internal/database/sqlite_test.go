package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesWAL(t *testing.T) {
	db := openTestDB(t)

	var mode string
	if err := db.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{Version: "001_create_foo", SQL: `CREATE TABLE foo (id INTEGER PRIMARY KEY, name TEXT)`},
		{Version: "002_add_bar", SQL: `ALTER TABLE foo ADD COLUMN bar TEXT DEFAULT ''`},
	}

	if err := Migrate(ctx, db, migrations); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	// 第二次应跳过全部版本, 不报错
	if err := Migrate(ctx, db, migrations); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if count != 2 {
		t.Errorf("applied versions = %d, want 2", count)
	}

	if _, err := db.Conn().Exec(`INSERT INTO foo (name, bar) VALUES ('a', 'b')`); err != nil {
		t.Errorf("insert into migrated table: %v", err)
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	bad := []Migration{{Version: "001_bad", SQL: `CREATE SYNTAX ERROR`}}
	if err := Migrate(ctx, db, bad); err == nil {
		t.Fatal("Migrate with invalid SQL should fail")
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if count != 0 {
		t.Errorf("failed migration must not be recorded, got %d rows", count)
	}
}
