package catalog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Predicate selects books from a listing.
type Predicate func(*Book) bool

// Available keeps books with at least one copy on the shelf.
func Available() Predicate {
	return func(b *Book) bool { return b.Stock > 0 }
}

// InCategory keeps books of the given category.
func InCategory(id uuid.UUID) Predicate {
	return func(b *Book) bool { return b.CategoryID == id }
}

// TitleContains matches a case-insensitive substring of the title.
func TitleContains(keyword string) Predicate {
	return containsFold(keyword, func(b *Book) string { return b.Title })
}

// AuthorContains matches a case-insensitive substring of the author.
func AuthorContains(keyword string) Predicate {
	return containsFold(keyword, func(b *Book) string { return b.Author })
}

// ISBNContains matches a case-insensitive substring of the ISBN.
func ISBNContains(keyword string) Predicate {
	return containsFold(keyword, func(b *Book) string { return b.ISBN })
}

func containsFold(keyword string, field func(*Book) string) Predicate {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	return func(b *Book) bool {
		return strings.Contains(strings.ToLower(field(b)), needle)
	}
}

// SearchField names the column a keyword search runs against.
type SearchField string

const (
	FieldTitle  SearchField = "title"
	FieldAuthor SearchField = "author"
	FieldISBN   SearchField = "isbn"
)

// Predicate returns the matcher for keyword on this field.
func (f SearchField) Predicate(keyword string) (Predicate, error) {
	switch f {
	case FieldTitle:
		return TitleContains(keyword), nil
	case FieldAuthor:
		return AuthorContains(keyword), nil
	case FieldISBN:
		return ISBNContains(keyword), nil
	default:
		return nil, fmt.Errorf("%w: unknown search field %q", ErrInvalidSearch, string(f))
	}
}

// Filter returns the books matching every predicate, keeping their order.
func Filter(books []*Book, preds ...Predicate) []*Book {
	out := make([]*Book, 0, len(books))
next:
	for _, b := range books {
		for _, p := range preds {
			if !p(b) {
				continue next
			}
		}
		out = append(out, b)
	}
	return out
}
