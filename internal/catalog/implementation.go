// internal/catalog/implementation.go
package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"booklibrary/internal/storage"
)

// service implements the Service interface.
type service struct {
	db     *storage.DB
	store  *Store
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *storage.DB, store *Store) Service {
	return &service{
		db:     db,
		store:  store,
		tracer: otel.Tracer("booklibrary/catalog"),
	}
}

// GetBook retrieves a book from the catalog by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.store.GetBook(ctx, s.db, id)
}

// ListBooks returns the books matching every predicate.
func (s *service) ListBooks(ctx context.Context, preds ...Predicate) ([]*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_books",
		trace.WithAttributes(attribute.Int("filter.count", len(preds))),
	)
	defer span.End()

	books, err := s.store.ListBooks(ctx, s.db)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	books = Filter(books, preds...)
	span.SetAttributes(attribute.Int("books.returned", len(books)))
	return books, nil
}

// ListCategories returns every category.
func (s *service) ListCategories(ctx context.Context) ([]*Category, error) {
	return s.store.ListCategories(ctx, s.db)
}

// Search finds books whose field contains keyword. An empty keyword lists everything.
func (s *service) Search(ctx context.Context, field SearchField, keyword string) ([]*Book, error) {
	if strings.TrimSpace(keyword) == "" {
		return s.ListBooks(ctx)
	}
	pred, err := field.Predicate(keyword)
	if err != nil {
		return nil, err
	}
	return s.ListBooks(ctx, pred)
}
