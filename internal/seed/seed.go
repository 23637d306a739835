// Package seed loads the default admin account, categories and sample books.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"booklibrary/internal/catalog"
	"booklibrary/internal/circulation"
	"booklibrary/internal/membership"
	"booklibrary/internal/storage"
)

type categorySeed struct {
	name        string
	description string
}

type bookSeed struct {
	title    string
	author   string
	isbn     string
	category string
	stock    int
}

var defaultCategories = []categorySeed{
	{"Fiction", "Fictional literature"},
	{"Non-Fiction", "Non-fictional literature"},
	{"Science", "Science books"},
	{"Technology", "Technology books"},
	{"History", "History books"},
}

var defaultBooks = []bookSeed{
	{"To Kill a Mockingbird", "Harper Lee", "978-0-06-112008-4", "Fiction", 10},
	{"1984", "George Orwell", "978-0-452-28423-4", "Fiction", 8},
	{"The Great Gatsby", "F. Scott Fitzgerald", "978-0-7432-7356-5", "Fiction", 12},
	{"A Brief History of Time", "Stephen Hawking", "978-0-553-38016-3", "Science", 5},
	{"The Selfish Gene", "Richard Dawkins", "978-0-19-286218-4", "Science", 7},
}

// Report says what a run created. Rows that already existed are skipped.
type Report struct {
	AdminCreated bool `json:"admin_created"`
	Categories   int  `json:"categories"`
	Books        int  `json:"books"`
}

// Seeder fills an empty library. Running it again is a no-op.
type Seeder struct {
	db      *storage.DB
	catalog *catalog.Store
	users   membership.Service
	lending circulation.Service
	logger  *slog.Logger
}

func New(db *storage.DB, store *catalog.Store, users membership.Service, lending circulation.Service, logger *slog.Logger) *Seeder {
	return &Seeder{db: db, catalog: store, users: users, lending: lending, logger: logger}
}

// Run creates the admin account, the default categories and the sample books.
func (s *Seeder) Run(ctx context.Context, admin membership.RegisterRequest) (*Report, error) {
	report := &Report{}

	adminUser, created, err := s.users.EnsureAdmin(ctx, admin)
	if errors.Is(err, membership.ErrInvalidRole) {
		return nil, fmt.Errorf("seed admin: username %q is taken by a non-admin account, set LIBRARY_ADMIN_USERNAME to another name: %w",
			admin.Username, err)
	}
	if err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	report.AdminCreated = created

	categories := make(map[string]*catalog.Category, len(defaultCategories))
	for _, c := range defaultCategories {
		category, err := s.catalog.GetCategoryByName(ctx, s.db, c.name)
		if errors.Is(err, catalog.ErrCategoryNotFound) {
			category, err = s.catalog.AddCategory(ctx, s.db, c.name, c.description)
			if err == nil {
				report.Categories++
			}
		}
		if err != nil {
			return nil, fmt.Errorf("seed category %s: %w", c.name, err)
		}
		categories[c.name] = category
	}

	for _, b := range defaultBooks {
		_, err := s.lending.AddBook(ctx, adminUser.Role.Capabilities(), catalog.NewBook{
			Title:      b.title,
			Author:     b.author,
			ISBN:       b.isbn,
			CategoryID: categories[b.category].ID,
			Stock:      b.stock,
		})
		switch {
		case err == nil:
			report.Books++
		case errors.Is(err, catalog.ErrDuplicateISBN):
		default:
			return nil, fmt.Errorf("seed book %s: %w", b.isbn, err)
		}
	}

	s.logger.InfoContext(ctx, "seed complete",
		"admin_created", report.AdminCreated,
		"categories", report.Categories,
		"books", report.Books)
	return report, nil
}
