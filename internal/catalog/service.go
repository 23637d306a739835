// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the read side of the catalog used by the presentation layer.
// Stock changes go through Store inside a lending unit of work.
type Service interface {
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, preds ...Predicate) ([]*Book, error)
	ListCategories(ctx context.Context) ([]*Category, error)
	Search(ctx context.Context, field SearchField, keyword string) ([]*Book, error)
}
