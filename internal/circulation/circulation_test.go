package circulation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"booklibrary/internal/catalog"
	"booklibrary/internal/circulation"
	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
	"booklibrary/internal/storage"
	"booklibrary/internal/storage/storagetest"
)

var today = time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC)

type fixture struct {
	db       *storage.DB
	catalog  *catalog.Store
	ledger   *circulation.Ledger
	events   *eventlog.Store
	service  circulation.Service
	category *catalog.Category
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type userDirectory struct {
	db *storage.DB
}

func (u userDirectory) ListUsers(ctx context.Context) ([]*membership.User, error) {
	var users []*membership.User
	err := u.db.SelectContext(ctx, &users,
		`SELECT id, username, email, password_hash, salt, role, created_at FROM users ORDER BY username`)
	return users, err
}

func setup(t testing.TB, opts ...circulation.Option) *fixture {
	t.Helper()
	return newFixture(t, storagetest.NewSQLite(t), opts...)
}

// setupPostgres skips when no Postgres server is reachable.
func setupPostgres(t testing.TB) *fixture {
	t.Helper()
	return newFixture(t, storagetest.NewPostgres(t))
}

func newFixture(t testing.TB, db *storage.DB, opts ...circulation.Option) *fixture {
	t.Helper()
	f := &fixture{
		db:      db,
		catalog: catalog.NewStore(db.Dialect()),
		ledger:  circulation.NewLedger(db.Dialect()),
		events:  eventlog.NewStore(db.Dialect()),
		clock:   &clock{now: today},
	}

	opts = append([]circulation.Option{circulation.WithClock(f.clock.Now)}, opts...)
	svc, err := circulation.NewService(db, f.catalog, f.ledger, f.events, userDirectory{db}, opts...)
	require.NoError(t, err)
	f.service = svc

	f.category, err = f.catalog.AddCategory(context.Background(), db, "Fiction", "")
	require.NoError(t, err)
	return f
}

func (f *fixture) addUser(t testing.TB, username string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	stmt := f.db.Dialect().Insert("users").Rows(goqu.Record{
		"id":            id,
		"username":      username,
		"email":         username + "@example.com",
		"password_hash": "x",
		"salt":          "x",
		"role":          string(membership.RoleMember),
		"created_at":    today,
	}).Prepared(true)
	_, err := storage.Exec(context.Background(), f.db, stmt)
	require.NoError(t, err)
	return id
}

func (f *fixture) addBook(t testing.TB, stock int) uuid.UUID {
	t.Helper()
	book, err := f.catalog.AddBook(context.Background(), f.db, catalog.NewBook{
		Title:      "Book " + uuid.NewString()[:8],
		Author:     "Author",
		ISBN:       uuid.NewString()[:18],
		CategoryID: f.category.ID,
		Stock:      stock,
	})
	require.NoError(t, err)
	return book.ID
}

func (f *fixture) stock(t testing.TB, bookID uuid.UUID) int {
	t.Helper()
	book, err := f.catalog.GetBook(context.Background(), f.db, bookID)
	require.NoError(t, err)
	return book.Stock
}

func (f *fixture) recordCount(t testing.TB) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM borrow_records`))
	return n
}

func TestBorrowReturnScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	bob := f.addUser(t, "bobby")
	book := f.addBook(t, 1)

	first, err := f.service.Borrow(ctx, alice, book, today.AddDate(0, 0, 14))
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusBorrowed, first.Status)
	assert.Equal(t, 0, f.stock(t, book))
	assert.Nil(t, first.ReturnDate)

	_, err = f.service.Borrow(ctx, bob, book, time.Time{})
	assert.ErrorIs(t, err, circulation.ErrOutOfStock)
	assert.Equal(t, 1, f.recordCount(t))

	returned, err := f.service.ReturnBook(ctx, first.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	assert.True(t, circulation.Day(today).Equal(returned.ReturnDate.UTC()))
	assert.Equal(t, 1, f.stock(t, book))

	second, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, f.stock(t, book))

	prior, err := f.ledger.Get(ctx, f.db, first.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, prior.Status)

	history, err := f.service.BorrowHistory(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBorrowPreconditions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 2)

	_, err := f.service.Borrow(ctx, alice, uuid.New(), time.Time{})
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)

	empty := f.addBook(t, 0)
	_, err = f.service.Borrow(ctx, alice, empty, time.Time{})
	assert.ErrorIs(t, err, circulation.ErrOutOfStock)

	_, err = f.service.Borrow(ctx, alice, book, today.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, circulation.ErrInvalidDueDate)

	record, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)
	assert.True(t, circulation.Day(today).AddDate(0, 0, 14).Equal(record.DueDate.UTC()))

	_, err = f.service.Borrow(ctx, alice, book, time.Time{})
	assert.ErrorIs(t, err, circulation.ErrDuplicateBorrow)
	assert.Equal(t, 1, f.stock(t, book), "rejected borrow must not touch stock")

	active, err := f.service.HasActiveBorrow(ctx, alice, book)
	require.NoError(t, err)
	assert.True(t, active)

	assert.Equal(t, 1, f.recordCount(t))
}

func TestBorrowRollsBackOnLedgerFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	book := f.addBook(t, 1)

	_, err := f.service.Borrow(ctx, uuid.New(), book, time.Time{})
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
	assert.Equal(t, 1, f.stock(t, book), "stock decrement must roll back with the failed ledger insert")
	assert.Equal(t, 0, f.recordCount(t))
}

func TestReturnPreconditions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	mallory := f.addUser(t, "mallory")
	book := f.addBook(t, 1)

	record, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)

	_, err = f.service.ReturnBook(ctx, uuid.New(), alice)
	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)

	_, err = f.service.ReturnBook(ctx, record.ID, mallory)
	assert.ErrorIs(t, err, circulation.ErrForbidden)
	assert.Equal(t, 0, f.stock(t, book))

	_, err = f.service.ReturnBook(ctx, record.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, f.stock(t, book))

	_, err = f.service.ReturnBook(ctx, record.ID, alice)
	assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
	assert.Equal(t, 1, f.stock(t, book), "second return must not increment stock")
}

func TestBorrowAndReturnAreAudited(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 3)

	record, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)
	f.clock.Advance(72 * time.Hour)
	_, err = f.service.ReturnBook(ctx, record.ID, alice)
	require.NoError(t, err)

	events, err := f.events.Load(ctx, f.db, record.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "BookBorrowed", events[0].EventType)
	assert.Equal(t, "BookReturned", events[1].EventType)

	var borrowed circulation.BookBorrowedEvent
	require.NoError(t, events[0].Decode(&borrowed))
	assert.Equal(t, 2, borrowed.StockAfter)

	var returned circulation.BookReturnedEvent
	require.NoError(t, events[1].Decode(&returned))
	assert.Equal(t, 3, returned.StockAfter)
	assert.True(t, circulation.Day(today.Add(72*time.Hour)).Equal(returned.ReturnDate))
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	assertLastCopyRace(t, setup(t))
}

func TestPostgresConcurrentBorrowOfLastCopy(t *testing.T) {
	assertLastCopyRace(t, setupPostgres(t))
}

func TestConcurrentReturnOfSameRecord(t *testing.T) {
	assertSingleReturn(t, setup(t))
}

func TestPostgresConcurrentReturnOfSameRecord(t *testing.T) {
	assertSingleReturn(t, setupPostgres(t))
}

func TestPostgresConcurrentDuplicateBorrow(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 5)

	const n = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Borrow(ctx, alice, book, time.Time{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, circulation.ErrDuplicateBorrow):
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 4, f.stock(t, book))
	assert.Equal(t, 1, f.recordCount(t))
}

// assertLastCopyRace lends a single copy to ten readers at once. Exactly one
// wins, the rest see ErrOutOfStock and stock never goes negative.
func assertLastCopyRace(t *testing.T, f *fixture) {
	ctx := context.Background()
	book := f.addBook(t, 1)

	const n = 10
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = f.addUser(t, fmt.Sprintf("reader%02d", i))
	}

	start := make(chan struct{})
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		outOf     int
	)
	for _, user := range users {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.service.Borrow(ctx, user, book, time.Time{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, circulation.ErrOutOfStock):
				outOf++
			}
		}(user)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, outOf)
	assert.Equal(t, 0, f.stock(t, book))
	assert.Equal(t, 1, f.recordCount(t))
}

func assertSingleReturn(t *testing.T, f *fixture) {
	ctx := context.Background()
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 1)
	record, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.service.ReturnBook(ctx, record.ID, alice)
		}(i)
	}
	close(start)
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
			failures++
		}
	}
	assert.Equal(t, len(errs)-1, failures)
	assert.Equal(t, 1, f.stock(t, book))
}

func TestLendingCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	f := setup(t, circulation.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 1)

	record, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)
	_, err = f.service.Borrow(ctx, alice, book, time.Time{})
	require.Error(t, err)
	_, err = f.service.ReturnBook(ctx, record.ID, alice)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(1), counterTotal(rm, "library.borrows"))
	assert.Equal(t, int64(1), counterTotal(rm, "library.returns"))
	assert.Equal(t, int64(1), counterTotal(rm, "library.lending.rejections"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

type staff struct{ admin bool }

func (s staff) CanManageCatalog() bool     { return s.admin }
func (s staff) CanViewAdminOverview() bool { return s.admin }

func TestAddBookRequiresCatalogCapability(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	nb := catalog.NewBook{Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441172719", CategoryID: f.category.ID, Stock: 2}

	_, err := f.service.AddBook(ctx, membership.RoleMember.Capabilities(), nb)
	assert.ErrorIs(t, err, circulation.ErrForbidden)
	_, err = f.service.AddBook(ctx, nil, nb)
	assert.ErrorIs(t, err, circulation.ErrForbidden)

	book, err := f.service.AddBook(ctx, membership.RoleAdmin.Capabilities(), nb)
	require.NoError(t, err)
	assert.Equal(t, 2, book.Stock)

	_, err = f.service.AddBook(ctx, staff{admin: true}, nb)
	assert.ErrorIs(t, err, catalog.ErrDuplicateISBN)

	nb.ISBN = "other"
	nb.CategoryID = uuid.New()
	_, err = f.service.AddBook(ctx, staff{admin: true}, nb)
	assert.ErrorIs(t, err, catalog.ErrCategoryNotFound)

	events, err := f.events.Load(ctx, f.db, book.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BookAdded", events[0].EventType)
}

func TestAdminOverviewAndAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	book := f.addBook(t, 1)
	_, err := f.service.Borrow(ctx, alice, book, time.Time{})
	require.NoError(t, err)

	_, err = f.service.AdminOverview(ctx, staff{})
	assert.ErrorIs(t, err, circulation.ErrForbidden)
	_, err = f.service.AuditTrail(ctx, staff{}, 0, 10)
	assert.ErrorIs(t, err, circulation.ErrForbidden)

	overview, err := f.service.AdminOverview(ctx, staff{admin: true})
	require.NoError(t, err)
	assert.Len(t, overview.Books, 1)
	assert.Len(t, overview.Users, 1)
	assert.Len(t, overview.ActiveBorrows, 1)

	events, err := f.service.AuditTrail(ctx, staff{admin: true}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BookBorrowed", events[0].EventType)
}

func TestOverdue(t *testing.T) {
	record := &circulation.BorrowRecord{
		Status:  circulation.StatusBorrowed,
		DueDate: circulation.Day(today),
	}
	assert.False(t, record.Overdue(today))
	assert.True(t, record.Overdue(today.AddDate(0, 0, 1)))

	record.Status = circulation.StatusReturned
	assert.False(t, record.Overdue(today.AddDate(0, 0, 1)))
}

func TestListingsFlagOverdueRecords(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	alice := f.addUser(t, "alice")
	late := f.addBook(t, 1)
	onTime := f.addBook(t, 1)

	_, err := f.service.Borrow(ctx, alice, late, today.AddDate(0, 0, 2))
	require.NoError(t, err)
	_, err = f.service.Borrow(ctx, alice, onTime, today.AddDate(0, 0, 10))
	require.NoError(t, err)

	f.clock.Advance(5 * 24 * time.Hour)

	history, err := f.service.BorrowHistory(ctx, alice)
	require.NoError(t, err)
	require.Len(t, history, 2)
	overdue := map[uuid.UUID]bool{}
	for _, r := range history {
		overdue[r.BookID] = r.IsOverdue
	}
	assert.True(t, overdue[late])
	assert.False(t, overdue[onTime])

	overview, err := f.service.AdminOverview(ctx, staff{admin: true})
	require.NoError(t, err)
	flagged := 0
	for _, r := range overview.ActiveBorrows {
		if r.IsOverdue {
			flagged++
			assert.Equal(t, late, r.BookID)
		}
	}
	assert.Equal(t, 1, flagged)
}
