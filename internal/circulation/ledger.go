package circulation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"booklibrary/internal/membership"
	"booklibrary/internal/storage"
)

var recordColumns = []interface{}{"id", "user_id", "book_id", "borrow_date", "due_date", "return_date", "status"}

// Ledger owns the borrow record lifecycle: borrowed -> returned.
// All methods run on the caller's querier so that ledger transitions commit
// together with the matching stock change.
type Ledger struct {
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

// NewLedger creates a ledger that builds statements for the given dialect.
func NewLedger(dialect goqu.DialectWrapper) *Ledger {
	return &Ledger{
		dialect: dialect,
		tracer:  otel.Tracer("booklibrary/circulation"),
	}
}

// HasActiveBorrow reports whether the user currently holds the book.
func (l *Ledger) HasActiveBorrow(ctx context.Context, q storage.Querier, userID, bookID uuid.UUID) (bool, error) {
	stmt := l.dialect.From("borrow_records").
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("user_id").Eq(userID),
			goqu.C("book_id").Eq(bookID),
			goqu.C("status").Eq(string(StatusBorrowed)),
		).
		Prepared(true)

	var n int
	if err := storage.Get(ctx, q, &n, stmt); err != nil {
		return false, storage.Wrap("count active borrows", err)
	}
	return n > 0, nil
}

// Open creates a borrowed record. It fails with ErrDuplicateBorrow when the
// user already holds the book, whether seen by the pre-check or by the
// active-borrow unique index.
func (l *Ledger) Open(ctx context.Context, q storage.Querier, userID, bookID uuid.UUID, borrowDate, dueDate time.Time) (*BorrowRecord, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.open",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	active, err := l.HasActiveBorrow(ctx, q, userID, bookID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrDuplicateBorrow
	}

	record := &BorrowRecord{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: Day(borrowDate),
		DueDate:    Day(dueDate),
		Status:     StatusBorrowed,
	}

	stmt := l.dialect.Insert("borrow_records").Rows(goqu.Record{
		"id":          record.ID,
		"user_id":     record.UserID,
		"book_id":     record.BookID,
		"borrow_date": record.BorrowDate,
		"due_date":    record.DueDate,
		"status":      string(record.Status),
	}).Prepared(true)

	if _, err := storage.Exec(ctx, q, stmt); err != nil {
		if _, ok := storage.UniqueViolation(err); ok {
			return nil, ErrDuplicateBorrow
		}
		if storage.ForeignKeyViolation(err) {
			return nil, membership.ErrUserNotFound
		}
		span.RecordError(err)
		return nil, storage.Wrap("insert borrow record", err)
	}

	span.SetAttributes(attribute.String("record.id", record.ID.String()))
	return record, nil
}

// Close transitions a record to returned. The update only matches a borrowed
// record, so two concurrent closes cannot both succeed.
func (l *Ledger) Close(ctx context.Context, q storage.Querier, recordID uuid.UUID, returnDate time.Time) (*BorrowRecord, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.close",
		trace.WithAttributes(attribute.String("record.id", recordID.String())),
	)
	defer span.End()

	stmt := l.dialect.Update("borrow_records").
		Set(goqu.Record{
			"status":      string(StatusReturned),
			"return_date": Day(returnDate),
		}).
		Where(goqu.C("id").Eq(recordID), goqu.C("status").Eq(string(StatusBorrowed))).
		Prepared(true)

	affected, err := storage.Exec(ctx, q, stmt)
	if err != nil {
		span.RecordError(err)
		return nil, storage.Wrap("close borrow record", err)
	}

	record, err := l.Get(ctx, q, recordID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrAlreadyReturned
	}
	return record, nil
}

// Get retrieves a record by ID.
func (l *Ledger) Get(ctx context.Context, q storage.Querier, recordID uuid.UUID) (*BorrowRecord, error) {
	stmt := l.dialect.From("borrow_records").
		Select(recordColumns...).
		Where(goqu.C("id").Eq(recordID)).
		Prepared(true)

	record := &BorrowRecord{}
	if err := storage.Get(ctx, q, record, stmt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, storage.Wrap("get borrow record", err)
	}
	return record, nil
}

// ListByUser returns every record of a user, newest first.
func (l *Ledger) ListByUser(ctx context.Context, q storage.Querier, userID uuid.UUID) ([]*BorrowRecord, error) {
	return l.list(ctx, q, goqu.C("user_id").Eq(userID))
}

// ListActive returns every record still borrowed, newest first.
func (l *Ledger) ListActive(ctx context.Context, q storage.Querier) ([]*BorrowRecord, error) {
	return l.list(ctx, q, goqu.C("status").Eq(string(StatusBorrowed)))
}

func (l *Ledger) list(ctx context.Context, q storage.Querier, where goqu.Expression) ([]*BorrowRecord, error) {
	stmt := l.dialect.From("borrow_records").
		Select(recordColumns...).
		Where(where).
		Order(goqu.C("borrow_date").Desc(), goqu.C("id").Asc()).
		Prepared(true)

	var records []*BorrowRecord
	if err := storage.Select(ctx, q, &records, stmt); err != nil {
		return nil, storage.Wrap("list borrow records", err)
	}
	return records, nil
}
