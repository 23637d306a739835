// internal/catalog/store.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"booklibrary/internal/storage"
)

var bookColumns = []interface{}{"id", "title", "author", "isbn", "category_id", "stock", "created_at"}

// Store owns books and categories. Every method takes the querier to run on,
// so the lending service can combine stock changes with ledger changes in a
// single transaction.
type Store struct {
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
	now     func() time.Time
}

// NewStore creates a catalog store that builds statements for the given dialect.
func NewStore(dialect goqu.DialectWrapper) *Store {
	return &Store{
		dialect: dialect,
		tracer:  otel.Tracer("booklibrary/catalog"),
		now:     time.Now,
	}
}

// GetBook retrieves a book by its ID.
func (s *Store) GetBook(ctx context.Context, q storage.Querier, id uuid.UUID) (*Book, error) {
	return s.getBook(ctx, q, goqu.C("id").Eq(id))
}

// GetBookByISBN retrieves a book by its ISBN.
func (s *Store) GetBookByISBN(ctx context.Context, q storage.Querier, isbn string) (*Book, error) {
	return s.getBook(ctx, q, goqu.C("isbn").Eq(isbn))
}

func (s *Store) getBook(ctx context.Context, q storage.Querier, where goqu.Expression) (*Book, error) {
	stmt := s.dialect.From("books").Select(bookColumns...).Where(where).Prepared(true)

	book := &Book{}
	if err := storage.Get(ctx, q, book, stmt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, storage.Wrap("get book", err)
	}
	return book, nil
}

// AdjustStock adds delta to the stock of a book and returns the new stock.
// The update is conditional, so concurrent callers can never drive stock below zero.
func (s *Store) AdjustStock(ctx context.Context, q storage.Querier, id uuid.UUID, delta int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.adjust_stock",
		trace.WithAttributes(
			attribute.String("book.id", id.String()),
			attribute.Int("stock.delta", delta),
		),
	)
	defer span.End()

	stmt := s.dialect.Update("books").
		Set(goqu.Record{"stock": goqu.L("stock + ?", delta)}).
		Where(goqu.C("id").Eq(id), goqu.C("stock").Gte(-delta)).
		Prepared(true)

	affected, err := storage.Exec(ctx, q, stmt)
	if err != nil {
		span.RecordError(err)
		return 0, storage.Wrap("adjust stock", err)
	}

	book, err := s.GetBook(ctx, q, id)
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return book.Stock, ErrInsufficientStock
	}

	span.SetAttributes(attribute.Int("stock.new", book.Stock))
	return book.Stock, nil
}

// AddBook validates and inserts a new book.
func (s *Store) AddBook(ctx context.Context, q storage.Querier, nb NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book",
		trace.WithAttributes(attribute.String("book.isbn", nb.ISBN)),
	)
	defer span.End()

	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	nb.ISBN = strings.TrimSpace(nb.ISBN)
	if err := nb.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.GetCategory(ctx, q, nb.CategoryID); err != nil {
		return nil, err
	}

	_, err := s.GetBookByISBN(ctx, q, nb.ISBN)
	switch {
	case err == nil:
		return nil, ErrDuplicateISBN
	case !errors.Is(err, ErrBookNotFound):
		return nil, err
	}

	book := &Book{
		ID:         uuid.New(),
		Title:      nb.Title,
		Author:     nb.Author,
		ISBN:       nb.ISBN,
		CategoryID: nb.CategoryID,
		Stock:      nb.Stock,
		CreatedAt:  s.now().UTC(),
	}

	stmt := s.dialect.Insert("books").Rows(goqu.Record{
		"id":          book.ID,
		"title":       book.Title,
		"author":      book.Author,
		"isbn":        book.ISBN,
		"category_id": book.CategoryID,
		"stock":       book.Stock,
		"created_at":  book.CreatedAt,
	}).Prepared(true)

	if _, err := storage.Exec(ctx, q, stmt); err != nil {
		if _, ok := storage.UniqueViolation(err); ok {
			return nil, ErrDuplicateISBN
		}
		if storage.ForeignKeyViolation(err) {
			return nil, ErrCategoryNotFound
		}
		span.RecordError(err)
		return nil, storage.Wrap("insert book", err)
	}

	return book, nil
}

// ListBooks returns every book ordered by title.
func (s *Store) ListBooks(ctx context.Context, q storage.Querier) ([]*Book, error) {
	stmt := s.dialect.From("books").
		Select(bookColumns...).
		Order(goqu.C("title").Asc(), goqu.C("isbn").Asc()).
		Prepared(true)

	var books []*Book
	if err := storage.Select(ctx, q, &books, stmt); err != nil {
		return nil, storage.Wrap("list books", err)
	}
	return books, nil
}

// GetCategory retrieves a category by its ID.
func (s *Store) GetCategory(ctx context.Context, q storage.Querier, id uuid.UUID) (*Category, error) {
	return s.getCategory(ctx, q, goqu.C("id").Eq(id))
}

// GetCategoryByName retrieves a category by its name.
func (s *Store) GetCategoryByName(ctx context.Context, q storage.Querier, name string) (*Category, error) {
	return s.getCategory(ctx, q, goqu.C("name").Eq(name))
}

func (s *Store) getCategory(ctx context.Context, q storage.Querier, where goqu.Expression) (*Category, error) {
	stmt := s.dialect.From("categories").
		Select("id", "name", "description").
		Where(where).
		Prepared(true)

	category := &Category{}
	if err := storage.Get(ctx, q, category, stmt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, storage.Wrap("get category", err)
	}
	return category, nil
}

// AddCategory inserts a new category.
func (s *Store) AddCategory(ctx context.Context, q storage.Querier, name, description string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: category name is required", ErrInvalidBook)
	}

	category := &Category{ID: uuid.New(), Name: name, Description: description}
	stmt := s.dialect.Insert("categories").Rows(goqu.Record{
		"id":          category.ID,
		"name":        category.Name,
		"description": category.Description,
	}).Prepared(true)

	if _, err := storage.Exec(ctx, q, stmt); err != nil {
		if _, ok := storage.UniqueViolation(err); ok {
			return nil, ErrDuplicateCategory
		}
		return nil, storage.Wrap("insert category", err)
	}
	return category, nil
}

// ListCategories returns every category ordered by name.
func (s *Store) ListCategories(ctx context.Context, q storage.Querier) ([]*Category, error) {
	stmt := s.dialect.From("categories").
		Select("id", "name", "description").
		Order(goqu.C("name").Asc()).
		Prepared(true)

	var categories []*Category
	if err := storage.Select(ctx, q, &categories, stmt); err != nil {
		return nil, storage.Wrap("list categories", err)
	}
	return categories, nil
}
