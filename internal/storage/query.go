// internal/storage/query.go
package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Statement is anything that renders to SQL plus bind arguments, which every
// goqu dataset does.
type Statement interface {
	ToSQL() (string, []interface{}, error)
}

// Get runs stmt and scans exactly one row into dest. sql.ErrNoRows is returned
// unchanged so callers can map it to their own not-found error.
func Get(ctx context.Context, q Querier, dest interface{}, stmt Statement) error {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return Wrap("build query", err)
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

// Select runs stmt and scans all rows into dest, which must be a slice.
func Select(ctx context.Context, q Querier, dest interface{}, stmt Statement) error {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return Wrap("build query", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// Exec runs stmt and returns the number of affected rows.
func Exec(ctx context.Context, q Querier, stmt Statement) (int64, error) {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return 0, Wrap("build statement", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
