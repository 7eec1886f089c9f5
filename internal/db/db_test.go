package db

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestBuildDSNForLibsqlAddsToken(t *testing.T) {
	dsn, err := buildDSN("libsql://polychat.example.turso.io", "abc123")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if dsn != "libsql://polychat.example.turso.io?authToken=abc123" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNForFileURL(t *testing.T) {
	dsn, err := buildDSN("file:local.db", "ignored")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if dsn != "file:local.db" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var name string
	err = database.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'conversations';`).Scan(&name)
	if err != nil {
		t.Fatalf("lookup conversations table: %v", err)
	}
}
