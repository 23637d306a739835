// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"booklibrary/internal/catalog"
	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
)

// Service defines the lending operations. Borrow and ReturnBook each run as
// one unit of work covering the stock change, the ledger transition and the
// audit event.
type Service interface {
	// Borrow lends a copy of the book. A zero dueDate means the default loan period.
	Borrow(ctx context.Context, userID, bookID uuid.UUID, dueDate time.Time) (*BorrowRecord, error)
	ReturnBook(ctx context.Context, recordID, requestingUserID uuid.UUID) (*BorrowRecord, error)
	AddBook(ctx context.Context, actor membership.Capabilities, book catalog.NewBook) (*catalog.Book, error)
	HasActiveBorrow(ctx context.Context, userID, bookID uuid.UUID) (bool, error)
	BorrowHistory(ctx context.Context, userID uuid.UUID) ([]*BorrowRecord, error)
	AdminOverview(ctx context.Context, actor membership.Capabilities) (*AdminOverview, error)
	AuditTrail(ctx context.Context, actor membership.Capabilities, fromID int64, limit uint) ([]eventlog.Event, error)
}

// UserLister is the slice of the membership service the admin overview needs.
type UserLister interface {
	ListUsers(ctx context.Context) ([]*membership.User, error)
}
