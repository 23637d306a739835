package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"booklibrary/internal/auth"
	"booklibrary/internal/catalog"
	"booklibrary/internal/circulation"
	"booklibrary/internal/config"
	"booklibrary/internal/consistency"
	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
	"booklibrary/internal/seed"
	"booklibrary/internal/storage"
)

// App holds the wired services of one process.
type App struct {
	Config       *config.Config
	DB           *storage.DB
	CatalogStore *catalog.Store
	Events       *eventlog.Store
	Catalog      catalog.Service
	Members      membership.Service
	Lending      circulation.Service
	Tokens       *auth.Issuer
	Consistency  *consistency.Engine
	Logger       *slog.Logger
}

// RaceOptions sizes a borrow race drill.
type RaceOptions struct {
	Borrowers int
	Stock     int
	Samples   int
	Interval  time.Duration
}

// NewApp opens and migrates the database and builds every service on it.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := storage.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	app, err := Wire(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return app, nil
}

// Wire builds the services on an already migrated database.
func Wire(db *storage.DB, cfg *config.Config, logger *slog.Logger) (*App, error) {
	tokens, err := auth.NewIssuer(cfg.SecretKey, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	events := eventlog.NewStore(db.Dialect())
	store := catalog.NewStore(db.Dialect())
	members := membership.NewService(db, events,
		membership.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.AuthRate), cfg.AuthBurst)))

	lending, err := circulation.NewService(db, store, circulation.NewLedger(db.Dialect()), events, members,
		circulation.WithLoanPeriod(cfg.LoanPeriod),
		circulation.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		DB:           db,
		CatalogStore: store,
		Events:       events,
		Catalog:      catalog.NewService(db, store),
		Members:      members,
		Lending:      lending,
		Tokens:       tokens,
		Consistency:  consistency.NewEngine(logger),
		Logger:       logger,
	}, nil
}

// Seed creates the configured admin, default categories and sample books.
func (a *App) Seed(ctx context.Context) (*seed.Report, error) {
	return seed.New(a.DB, a.CatalogStore, a.Members, a.Lending, a.Logger).Run(ctx, membership.RegisterRequest{
		Username: a.Config.AdminUsername,
		Email:    a.Config.AdminEmail,
		Password: a.Config.AdminPassword,
	})
}

// Verify checks the lending invariants against the stored data.
func (a *App) Verify(ctx context.Context) (bool, []consistency.Violation) {
	return a.Consistency.Check(ctx, consistency.Invariants(a.DB))
}

// BorrowRace stocks a fresh book, registers opts.Borrowers members and has
// them all borrow it at once through the lending service. It writes rows, so
// run it against a scratch database.
func (a *App) BorrowRace(ctx context.Context, opts RaceOptions) (*consistency.Result, error) {
	if opts.Borrowers < 1 || opts.Stock < 0 {
		return nil, errors.New("borrow race needs at least one borrower and non-negative stock")
	}
	run := uuid.NewString()[:8]

	category, err := a.CatalogStore.AddCategory(ctx, a.DB, "race-"+run, "borrow race drill")
	if err != nil {
		return nil, fmt.Errorf("race category: %w", err)
	}
	book, err := a.Lending.AddBook(ctx, membership.RoleAdmin.Capabilities(), catalog.NewBook{
		Title:      "Race copy " + run,
		Author:     "Borrow Race",
		ISBN:       "race-" + run,
		CategoryID: category.ID,
		Stock:      opts.Stock,
	})
	if err != nil {
		return nil, fmt.Errorf("race book: %w", err)
	}

	users := make([]uuid.UUID, opts.Borrowers)
	for i := range users {
		name := fmt.Sprintf("racer-%s-%04d", run, i)
		user, err := a.Members.Register(ctx, membership.RegisterRequest{
			Username: name,
			Email:    name + "@race.invalid",
			Password: "race-" + run,
		})
		if err != nil {
			return nil, fmt.Errorf("race borrower %d: %w", i, err)
		}
		users[i] = user.ID
	}

	exp := consistency.BorrowRace(a.DB, a.Lending, book.ID, users, opts.Stock)
	if opts.Samples > 0 {
		exp.Samples = opts.Samples
	}
	exp.Interval = opts.Interval
	return a.Consistency.Run(ctx, exp)
}

// Close releases the database pool.
func (a *App) Close() error {
	return a.DB.Close()
}
