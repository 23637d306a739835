// internal/catalog/domain.go
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrDuplicateISBN     = errors.New("book with this ISBN already exists")
	ErrDuplicateCategory = errors.New("category with this name already exists")
	ErrInsufficientStock = errors.New("stock cannot become negative")
	ErrInvalidBook       = errors.New("invalid book")
	ErrInvalidSearch     = errors.New("invalid search")
)

// Book is a catalogued title. Stock counts the copies available for borrowing.
type Book struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Title      string    `json:"title" db:"title"`
	Author     string    `json:"author" db:"author"`
	ISBN       string    `json:"isbn" db:"isbn"`
	CategoryID uuid.UUID `json:"category_id" db:"category_id"`
	Stock      int       `json:"stock" db:"stock"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Category groups books.
type Category struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
}

// NewBook carries the fields needed to add a book to the catalog.
type NewBook struct {
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	ISBN       string    `json:"isbn"`
	CategoryID uuid.UUID `json:"category_id"`
	Stock      int       `json:"stock"`
}

// Validate applies the same limits as the book form.
func (nb NewBook) Validate() error {
	switch {
	case strings.TrimSpace(nb.Title) == "" || len(nb.Title) > 200:
		return fmt.Errorf("%w: title must be 1-200 characters", ErrInvalidBook)
	case strings.TrimSpace(nb.Author) == "" || len(nb.Author) > 100:
		return fmt.Errorf("%w: author must be 1-100 characters", ErrInvalidBook)
	case strings.TrimSpace(nb.ISBN) == "" || len(nb.ISBN) > 20:
		return fmt.Errorf("%w: isbn must be 1-20 characters", ErrInvalidBook)
	case nb.CategoryID == uuid.Nil:
		return fmt.Errorf("%w: category is required", ErrInvalidBook)
	case nb.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidBook)
	}
	return nil
}

// BookAddedEvent is recorded when a book enters the catalog.
type BookAddedEvent struct {
	ID         uuid.UUID `json:"id"`
	ISBN       string    `json:"isbn"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	CategoryID uuid.UUID `json:"category_id"`
	Stock      int       `json:"stock"`
}
