// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	_ "github.com/jackc/pgx/v5/stdlib"                  // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverPGX      Driver = "pgx"
	DriverSQLite   Driver = "sqlite3"
)

const (
	defaultMaxConnections  = 8
	defaultIdleConnections = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 5 * time.Minute
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// ParseDriver validates a driver name coming from configuration.
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(name))); d {
	case DriverPostgres, DriverPGX, DriverSQLite:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, name)
	}
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so store methods can
// run standalone or inside a unit of work.
type Querier interface {
	sqlx.ExtContext
}

// DB wraps the connection pool together with the SQL dialect used to build
// statements for it.
type DB struct {
	*sqlx.DB
	driver  Driver
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

// Open connects to the database and verifies the connection.
// For SQLite the dsn is a file path; busy timeout, foreign keys, WAL and
// immediate transactions are switched on unless the dsn already carries options.
func Open(ctx context.Context, driver Driver, dsn string) (*DB, error) {
	dialect := "postgres"
	if driver == DriverSQLite {
		dialect = "sqlite3"
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One writer at a time; IMMEDIATE transactions queue on this connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxConnections)
		db.SetMaxIdleConns(defaultIdleConnections)
		db.SetConnMaxLifetime(defaultMaxConnLifetime)
		db.SetConnMaxIdleTime(defaultMaxConnIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &DB{
		DB:      db,
		driver:  driver,
		dialect: goqu.Dialect(dialect),
		tracer:  otel.Tracer("booklibrary/storage"),
	}, nil
}

func sqliteDSN(path string) (string, error) {
	if strings.Contains(path, "?") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db dir: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL&_txlock=immediate", path), nil
}

// Driver reports which driver the pool was opened with.
func (db *DB) Driver() Driver { return db.driver }

// Dialect returns the statement builder matching the driver.
func (db *DB) Dialect() goqu.DialectWrapper { return db.dialect }

// InTx runs fn inside a single transaction. The transaction is committed when
// fn returns nil and rolled back on error or panic.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	ctx, span := db.tracer.Start(ctx, "storage.tx",
		trace.WithAttributes(attribute.String("db.driver", string(db.driver))),
	)
	defer span.End()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return Wrap("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				span.RecordError(rbErr)
			}
		}
	}()

	if err := fn(ctx, tx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return Wrap("commit transaction", err)
	}
	committed = true

	return nil
}
