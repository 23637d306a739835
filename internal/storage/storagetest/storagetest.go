// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"booklibrary/internal/storage"
)

const postgresTestLock = 717001

// NewSQLite returns a migrated SQLite database in a temp dir, closed on cleanup.
func NewSQLite(t testing.TB) *storage.DB {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewPostgres connects using the PG* environment variables and skips the
// test when no server is reachable.
func NewPostgres(t testing.TB) *storage.DB {
	t.Helper()

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	db, err := storage.Open(context.Background(), storage.DriverPostgres, dsn)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Packages run in parallel against one server; the lock keeps one test
	// at a time between truncate and cleanup.
	ctx := context.Background()
	lock, err := db.Connx(ctx)
	if err != nil {
		t.Fatalf("lock connection: %v", err)
	}
	if _, err := lock.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, postgresTestLock); err != nil {
		lock.Close()
		t.Fatalf("advisory lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = lock.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, postgresTestLock)
		lock.Close()
	})

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE TABLE events, borrow_records, books, users, categories CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
