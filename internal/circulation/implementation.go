// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"booklibrary/internal/catalog"
	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
	"booklibrary/internal/storage"
)

const (
	DefaultLoanPeriod = 14 * 24 * time.Hour
	maxAuditBatch     = 500

	aggregateBorrowRecord = "borrow_record"
	aggregateBook         = "book"
)

// service implements the Service interface.
type service struct {
	db      *storage.DB
	catalog *catalog.Store
	ledger  *Ledger
	events  *eventlog.Store
	users   UserLister

	loanPeriod time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
	meters     metric.MeterProvider

	borrows    metric.Int64Counter
	returns    metric.Int64Counter
	rejections metric.Int64Counter
}

// Option configures the lending service.
type Option func(*service)

// WithClock sets the time source for borrow and return dates.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithLoanPeriod sets the due date offset applied when none is given.
func WithLoanPeriod(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.loanPeriod = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithMeterProvider sets where the lending counters are recorded. The
// global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) { s.meters = mp }
}

// NewService creates a new lending service instance.
func NewService(db *storage.DB, store *catalog.Store, ledger *Ledger, events *eventlog.Store, users UserLister, opts ...Option) (Service, error) {
	s := &service{
		db:         db,
		catalog:    store,
		ledger:     ledger,
		events:     events,
		users:      users,
		loanPeriod: DefaultLoanPeriod,
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer("booklibrary/circulation"),
		meters:     otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := s.meters.Meter("booklibrary/circulation")
	var err error
	if s.borrows, err = meter.Int64Counter("library.borrows",
		metric.WithDescription("Books lent out")); err != nil {
		return nil, fmt.Errorf("create borrows counter: %w", err)
	}
	if s.returns, err = meter.Int64Counter("library.returns",
		metric.WithDescription("Books returned")); err != nil {
		return nil, fmt.Errorf("create returns counter: %w", err)
	}
	if s.rejections, err = meter.Int64Counter("library.lending.rejections",
		metric.WithDescription("Borrow and return requests refused, by reason")); err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}

	return s, nil
}

// Borrow validates the request and lends one copy of the book. Preconditions
// are checked in order and the first violation is returned: the book must
// exist, have stock, and not already be held by the user.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID, dueDate time.Time) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	borrowDate := Day(s.now())
	if dueDate.IsZero() {
		dueDate = borrowDate.Add(s.loanPeriod)
	}
	dueDate = Day(dueDate)
	if dueDate.Before(borrowDate) {
		return nil, s.reject(ctx, "borrow", ErrInvalidDueDate)
	}

	var record *BorrowRecord
	err := s.db.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		book, err := s.catalog.GetBook(ctx, q, bookID)
		if err != nil {
			return err
		}
		if book.Stock <= 0 {
			return ErrOutOfStock
		}

		active, err := s.ledger.HasActiveBorrow(ctx, q, userID, bookID)
		if err != nil {
			return err
		}
		if active {
			return ErrDuplicateBorrow
		}

		// Conditional decrement: a concurrent borrower that took the last
		// copy since the read above leaves zero rows to update.
		stock, err := s.catalog.AdjustStock(ctx, q, bookID, -1)
		if err != nil {
			if errors.Is(err, catalog.ErrInsufficientStock) {
				return ErrOutOfStock
			}
			return err
		}

		record, err = s.ledger.Open(ctx, q, userID, bookID, borrowDate, dueDate)
		if err != nil {
			return err
		}

		event, err := eventlog.NewEvent("BookBorrowed", BookBorrowedEvent{
			RecordID:   record.ID,
			UserID:     userID,
			BookID:     bookID,
			BorrowDate: record.BorrowDate,
			DueDate:    record.DueDate,
			StockAfter: stock,
		})
		if err != nil {
			return err
		}
		return s.events.Append(ctx, q, record.ID, aggregateBorrowRecord, 0, event)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.reject(ctx, "borrow", err)
	}

	s.borrows.Add(ctx, 1)
	span.SetAttributes(attribute.String("record.id", record.ID.String()))
	s.logger.InfoContext(ctx, "book borrowed",
		"record_id", record.ID, "user_id", userID, "book_id", bookID, "due_date", record.DueDate.Format(time.DateOnly))
	return record, nil
}

// ReturnBook closes a record held by the requesting user and puts the copy
// back on the shelf.
func (s *service) ReturnBook(ctx context.Context, recordID, requestingUserID uuid.UUID) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(
			attribute.String("record.id", recordID.String()),
			attribute.String("user.id", requestingUserID.String()),
		),
	)
	defer span.End()

	returnDate := Day(s.now())

	var record *BorrowRecord
	err := s.db.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		existing, err := s.ledger.Get(ctx, q, recordID)
		if err != nil {
			return err
		}
		if existing.UserID != requestingUserID {
			return ErrForbidden
		}
		if !existing.Active() {
			return ErrAlreadyReturned
		}

		record, err = s.ledger.Close(ctx, q, recordID, returnDate)
		if err != nil {
			return err
		}

		stock, err := s.catalog.AdjustStock(ctx, q, record.BookID, 1)
		if err != nil {
			return err
		}

		version, err := s.events.CurrentVersion(ctx, q, record.ID)
		if err != nil {
			return err
		}
		event, err := eventlog.NewEvent("BookReturned", BookReturnedEvent{
			RecordID:   record.ID,
			UserID:     record.UserID,
			BookID:     record.BookID,
			ReturnDate: returnDate,
			StockAfter: stock,
		})
		if err != nil {
			return err
		}
		return s.events.Append(ctx, q, record.ID, aggregateBorrowRecord, version, event)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.reject(ctx, "return", err)
	}

	s.returns.Add(ctx, 1)
	s.logger.InfoContext(ctx, "book returned",
		"record_id", record.ID, "user_id", record.UserID, "book_id", record.BookID)
	return record, nil
}

// AddBook adds a book to the catalog on behalf of an actor allowed to manage it.
func (s *service) AddBook(ctx context.Context, actor membership.Capabilities, nb catalog.NewBook) (*catalog.Book, error) {
	if actor == nil || !actor.CanManageCatalog() {
		return nil, ErrForbidden
	}

	ctx, span := s.tracer.Start(ctx, "circulation.add_book",
		trace.WithAttributes(attribute.String("book.isbn", nb.ISBN)),
	)
	defer span.End()

	var book *catalog.Book
	err := s.db.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		book, err = s.catalog.AddBook(ctx, q, nb)
		if err != nil {
			return err
		}
		event, err := eventlog.NewEvent("BookAdded", catalog.BookAddedEvent{
			ID:         book.ID,
			ISBN:       book.ISBN,
			Title:      book.Title,
			Author:     book.Author,
			CategoryID: book.CategoryID,
			Stock:      book.Stock,
		})
		if err != nil {
			return err
		}
		return s.events.Append(ctx, q, book.ID, aggregateBook, 0, event)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "book added", "book_id", book.ID, "isbn", book.ISBN, "stock", book.Stock)
	return book, nil
}

// HasActiveBorrow reports whether the user currently holds the book.
func (s *service) HasActiveBorrow(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	return s.ledger.HasActiveBorrow(ctx, s.db, userID, bookID)
}

// BorrowHistory returns every record of the user, newest first.
func (s *service) BorrowHistory(ctx context.Context, userID uuid.UUID) ([]*BorrowRecord, error) {
	records, err := s.ledger.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	s.markOverdue(records)
	return records, nil
}

func (s *service) markOverdue(records []*BorrowRecord) {
	today := s.now()
	for _, r := range records {
		r.IsOverdue = r.Overdue(today)
	}
}

// AdminOverview lists all books, users and open loans.
func (s *service) AdminOverview(ctx context.Context, actor membership.Capabilities) (*AdminOverview, error) {
	if actor == nil || !actor.CanViewAdminOverview() {
		return nil, ErrForbidden
	}

	books, err := s.catalog.ListBooks(ctx, s.db)
	if err != nil {
		return nil, err
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.ledger.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}

	s.markOverdue(active)

	return &AdminOverview{Books: books, Users: users, ActiveBorrows: active}, nil
}

// AuditTrail pages through the event log for admins.
func (s *service) AuditTrail(ctx context.Context, actor membership.Capabilities, fromID int64, limit uint) ([]eventlog.Event, error) {
	if actor == nil || !actor.CanViewAdminOverview() {
		return nil, ErrForbidden
	}
	if limit == 0 || limit > maxAuditBatch {
		limit = maxAuditBatch
	}
	return s.events.Stream(ctx, s.db, fromID, limit)
}

// reject counts refused requests by reason. Storage failures are logged
// instead since they are not caller mistakes.
func (s *service) reject(ctx context.Context, op string, err error) error {
	reason := rejectionReason(err)
	if reason == "" {
		s.logger.ErrorContext(ctx, "lending operation failed", "op", op, "error", err)
		return err
	}
	s.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
	s.logger.DebugContext(ctx, "lending request rejected", "op", op, "reason", reason)
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, catalog.ErrBookNotFound):
		return "book_not_found"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrDuplicateBorrow):
		return "duplicate_borrow"
	case errors.Is(err, ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyReturned):
		return "already_returned"
	case errors.Is(err, ErrInvalidDueDate):
		return "invalid_due_date"
	case errors.Is(err, membership.ErrUserNotFound):
		return "user_not_found"
	default:
		return ""
	}
}
