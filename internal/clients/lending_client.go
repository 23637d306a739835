package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"booklibrary/internal/circulation"
	"booklibrary/internal/eventlog"
)

// LendingClient calls the authenticated lending endpoints.
type LendingClient struct {
	base
}

func NewLendingClient(baseURL, token string, hc *http.Client) *LendingClient {
	c := &LendingClient{base: newBase(baseURL, hc)}
	c.SetToken(token)
	return c
}

// Borrow lends a book to the caller. A zero dueDate uses the server's loan period.
func (c *LendingClient) Borrow(ctx context.Context, bookID uuid.UUID, dueDate time.Time) (*circulation.BorrowRecord, error) {
	req := circulation.BorrowRequest{BookID: bookID}
	if !dueDate.IsZero() {
		req.DueDate = dueDate.Format(time.DateOnly)
	}

	var record circulation.BorrowRecord
	if err := c.do(ctx, http.MethodPost, "/borrow", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *LendingClient) Return(ctx context.Context, recordID uuid.UUID) (*circulation.BorrowRecord, error) {
	var record circulation.BorrowRecord
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/return/%s", recordID), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *LendingClient) MyBooks(ctx context.Context) ([]*circulation.BorrowRecord, error) {
	var records []*circulation.BorrowRecord
	if err := c.do(ctx, http.MethodGet, "/my-books", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *LendingClient) HasActiveBorrow(ctx context.Context, bookID uuid.UUID) (bool, error) {
	var resp circulation.ActiveBorrowResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%s/active", bookID), nil, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

func (c *LendingClient) AdminOverview(ctx context.Context) (*circulation.AdminOverview, error) {
	var overview circulation.AdminOverview
	if err := c.do(ctx, http.MethodGet, "/admin", nil, &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

func (c *LendingClient) AuditTrail(ctx context.Context, fromID int64, limit uint) ([]eventlog.Event, error) {
	params := url.Values{}
	params.Set("from", strconv.FormatInt(fromID, 10))
	params.Set("limit", strconv.FormatUint(uint64(limit), 10))

	var events []eventlog.Event
	if err := c.do(ctx, http.MethodGet, "/admin/events?"+params.Encode(), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}
