package clients_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklibrary/internal/clients"
	"booklibrary/internal/httpx"
)

func TestErrorBodyBecomesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusConflict, "book already borrowed")
	}))
	defer ts.Close()

	c := clients.NewLendingClient(ts.URL, "tok", ts.Client())
	_, err := c.Borrow(context.Background(), uuid.New(), time.Time{})

	var apiErr *clients.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "book already borrowed", apiErr.Message)
}

func TestNonJSONErrorFallsBackToStatusText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := clients.NewCatalogClient(ts.URL, ts.Client()).ListCategories(context.Background())

	var apiErr *clients.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Message)
}

func TestRequestsCarryTokenAndQuery(t *testing.T) {
	var gotAuth, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		httpx.JSON(w, http.StatusOK, []interface{}{})
	}))
	defer ts.Close()

	c := clients.NewCatalogClient(ts.URL+"/", ts.Client())
	c.SetToken("abc")
	books, err := c.ListBooks(context.Background(), clients.BookQuery{AvailableOnly: true, Keyword: "orwell", Field: "author"})
	require.NoError(t, err)
	assert.Empty(t, books)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "available=true&field=author&q=orwell", gotQuery)
}
