// internal/circulation/domain.go
package circulation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"booklibrary/internal/catalog"
	"booklibrary/internal/membership"
)

var (
	ErrRecordNotFound  = errors.New("borrow record not found")
	ErrOutOfStock      = errors.New("book is out of stock")
	ErrDuplicateBorrow = errors.New("book already borrowed by this user")
	ErrAlreadyReturned = errors.New("book already returned")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidDueDate  = errors.New("due date is before the borrow date")
)

// Status is the lifecycle state of a borrow record.
type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
)

// BorrowRecord represents one loan of a book to a user.
// It is created borrowed and closed exactly once, never deleted.
type BorrowRecord struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowDate time.Time  `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	Status     Status     `json:"status" db:"status"`

	// IsOverdue is set by listings as of the service clock.
	IsOverdue bool `json:"overdue" db:"-"`
}

// Active reports whether the book is still out.
func (r *BorrowRecord) Active() bool { return r.Status == StatusBorrowed }

// Overdue reports whether the record is still active past its due date.
func (r *BorrowRecord) Overdue(today time.Time) bool {
	return r.Active() && r.DueDate.Before(Day(today))
}

// AdminOverview is the admin dashboard: inventory, accounts and open loans.
type AdminOverview struct {
	Books         []*catalog.Book    `json:"books"`
	Users         []*membership.User `json:"users"`
	ActiveBorrows []*BorrowRecord    `json:"active_borrows"`
}

// BookBorrowedEvent is recorded when a record is opened.
type BookBorrowedEvent struct {
	RecordID   uuid.UUID `json:"record_id"`
	UserID     uuid.UUID `json:"user_id"`
	BookID     uuid.UUID `json:"book_id"`
	BorrowDate time.Time `json:"borrow_date"`
	DueDate    time.Time `json:"due_date"`
	StockAfter int       `json:"stock_after"`
}

// BookReturnedEvent is recorded when a record is closed.
type BookReturnedEvent struct {
	RecordID   uuid.UUID `json:"record_id"`
	UserID     uuid.UUID `json:"user_id"`
	BookID     uuid.UUID `json:"book_id"`
	ReturnDate time.Time `json:"return_date"`
	StockAfter int       `json:"stock_after"`
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
