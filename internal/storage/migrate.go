// internal/storage/migrate.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		CONSTRAINT categories_name_key UNIQUE (name)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('member', 'admin')),
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT users_username_key UNIQUE (username),
		CONSTRAINT users_email_key UNIQUE (email)
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		isbn TEXT NOT NULL,
		category_id UUID NOT NULL REFERENCES categories(id),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT books_isbn_key UNIQUE (isbn)
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		book_id UUID NOT NULL REFERENCES books(id),
		borrow_date DATE NOT NULL,
		due_date DATE NOT NULL,
		return_date DATE,
		status TEXT NOT NULL CHECK (status IN ('borrowed', 'returned'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS borrow_records_active_idx
		ON borrow_records (user_id, book_id) WHERE status = 'borrowed'`,
	`CREATE INDEX IF NOT EXISTS borrow_records_user_idx ON borrow_records (user_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data JSONB NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT events_aggregate_version_key UNIQUE (aggregate_id, version)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('member', 'admin')),
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		isbn TEXT NOT NULL UNIQUE,
		category_id TEXT NOT NULL REFERENCES categories(id),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		book_id TEXT NOT NULL REFERENCES books(id),
		borrow_date DATE NOT NULL,
		due_date DATE NOT NULL,
		return_date DATE,
		status TEXT NOT NULL CHECK (status IN ('borrowed', 'returned'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS borrow_records_active_idx
		ON borrow_records (user_id, book_id) WHERE status = 'borrowed'`,
	`CREATE INDEX IF NOT EXISTS borrow_records_user_idx ON borrow_records (user_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (aggregate_id, version)
	)`,
}

// Migrate brings the schema up to date. It is safe to call on every start.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	err := db.GetContext(ctx, &current, db.Rebind(`SELECT value FROM schema_meta WHERE key = ?`), "schema_version")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	stmts := postgresSchema
	if db.driver == DriverSQLite {
		stmts = sqliteSchema
	}

	return db.InTx(ctx, func(ctx context.Context, q Querier) error {
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO schema_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`), "schema_version", schemaVersion)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
