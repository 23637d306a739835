// internal/clients/catalog_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"booklibrary/internal/catalog"
)

type CatalogClient struct {
	base
}

func NewCatalogClient(baseURL string, hc *http.Client) *CatalogClient {
	return &CatalogClient{base: newBase(baseURL, hc)}
}

// BookQuery narrows a book listing.
type BookQuery struct {
	AvailableOnly bool
	CategoryID    uuid.UUID
	Field         catalog.SearchField
	Keyword       string
}

func (c *CatalogClient) ListBooks(ctx context.Context, q BookQuery) ([]*catalog.Book, error) {
	params := url.Values{}
	if q.AvailableOnly {
		params.Set("available", "true")
	}
	if q.CategoryID != uuid.Nil {
		params.Set("category", q.CategoryID.String())
	}
	if q.Keyword != "" {
		params.Set("q", q.Keyword)
		if q.Field != "" {
			params.Set("field", string(q.Field))
		}
	}

	path := "/books"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var books []*catalog.Book
	if err := c.do(ctx, http.MethodGet, path, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%s", id), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) ListCategories(ctx context.Context) ([]*catalog.Category, error) {
	var categories []*catalog.Category
	if err := c.do(ctx, http.MethodGet, "/categories", nil, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// AddBook needs an admin token.
func (c *CatalogClient) AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", nb, &book); err != nil {
		return nil, err
	}
	return &book, nil
}
