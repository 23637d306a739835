package seed_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"booklibrary/internal/catalog"
	"booklibrary/internal/circulation"
	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
	"booklibrary/internal/seed"
	"booklibrary/internal/storage/storagetest"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := storagetest.NewSQLite(t)
	events := eventlog.NewStore(db.Dialect())
	store := catalog.NewStore(db.Dialect())
	users := membership.NewService(db, events, membership.WithRateLimiter(rate.NewLimiter(rate.Inf, 0)))
	lending, err := circulation.NewService(db, store, circulation.NewLedger(db.Dialect()), events, users,
		circulation.WithLogger(logger))
	require.NoError(t, err)

	seeder := seed.New(db, store, users, lending, logger)
	admin := membership.RegisterRequest{Username: "admin", Email: "admin@library.local", Password: "admin123"}

	first, err := seeder.Run(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, &seed.Report{AdminCreated: true, Categories: 5, Books: 5}, first)

	second, err := seeder.Run(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, &seed.Report{}, second)

	books, err := store.ListBooks(ctx, db)
	require.NoError(t, err)
	assert.Len(t, books, 5)

	gatsby, err := store.GetBookByISBN(ctx, db, "978-0-7432-7356-5")
	require.NoError(t, err)
	assert.Equal(t, 12, gatsby.Stock)

	science, err := store.GetCategoryByName(ctx, db, "Science")
	require.NoError(t, err)
	hawking, err := store.GetBookByISBN(ctx, db, "978-0-553-38016-3")
	require.NoError(t, err)
	assert.Equal(t, science.ID, hawking.CategoryID)

	user, err := users.VerifyCredentials(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, user.Role.Capabilities().CanManageCatalog())
}

func TestSeedRefusesMemberHoldingAdminName(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := storagetest.NewSQLite(t)
	events := eventlog.NewStore(db.Dialect())
	store := catalog.NewStore(db.Dialect())
	users := membership.NewService(db, events, membership.WithRateLimiter(rate.NewLimiter(rate.Inf, 0)))
	lending, err := circulation.NewService(db, store, circulation.NewLedger(db.Dialect()), events, users,
		circulation.WithLogger(logger))
	require.NoError(t, err)

	_, err = users.Register(ctx, membership.RegisterRequest{Username: "admin", Email: "squatter@example.com", Password: "secret123"})
	require.NoError(t, err)

	report, err := seed.New(db, store, users, lending, logger).Run(ctx,
		membership.RegisterRequest{Username: "admin", Email: "admin@library.local", Password: "admin123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, membership.ErrInvalidRole)
	assert.Contains(t, err.Error(), "LIBRARY_ADMIN_USERNAME")
	assert.Nil(t, report)

	books, err := store.ListBooks(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, books)
}
