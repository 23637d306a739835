package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"booklibrary/internal/circulation"
	"booklibrary/internal/storage"
)

// Invariants returns one metric per lending invariant. Each counts offending
// rows, so every threshold is "== 0".
func Invariants(db *storage.DB) []Metric {
	d := db.Dialect()
	borrowed := string(circulation.StatusBorrowed)
	returned := string(circulation.StatusReturned)

	return []Metric{
		countMetric(db, "negative_stock",
			d.From("books").Select(goqu.COUNT("*")).Where(goqu.C("stock").Lt(0))),
		countMetric(db, "duplicate_active_borrows",
			d.From(
				d.From("borrow_records").
					Select("user_id", "book_id").
					Where(goqu.C("status").Eq(borrowed)).
					GroupBy("user_id", "book_id").
					Having(goqu.COUNT("*").Gt(1)).
					As("dups"),
			).Select(goqu.COUNT("*"))),
		countMetric(db, "inconsistent_return_dates",
			d.From("borrow_records").Select(goqu.COUNT("*")).Where(goqu.Or(
				goqu.And(goqu.C("status").Eq(returned), goqu.C("return_date").IsNull()),
				goqu.And(goqu.C("status").Eq(borrowed), goqu.C("return_date").IsNotNull()),
				goqu.C("return_date").Lt(goqu.I("borrow_date")),
			))),
		countMetric(db, "unaudited_borrows",
			d.From("borrow_records").Select(goqu.COUNT("*")).Where(
				goqu.C("id").NotIn(
					d.From("events").Select("aggregate_id").Where(goqu.C("event_type").Eq("BookBorrowed")),
				),
			)),
	}
}

func countMetric(db *storage.DB, name string, stmt *goqu.SelectDataset) Metric {
	return Metric{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			var n int64
			if err := storage.Get(ctx, db, &n, stmt.Prepared(true)); err != nil {
				return 0, storage.Wrap("measure "+name, err)
			}
			return float64(n), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// BorrowRace has every user borrow the same book at once. With stock copies
// on the shelf, the hypothesis is that at most stock borrows win and the
// invariants still hold afterwards.
func BorrowRace(db *storage.DB, svc circulation.Service, bookID uuid.UUID, users []uuid.UUID, stock int) Experiment {
	var winners int64

	steady := append(Invariants(db), Metric{
		Name: "race_winners",
		Query: func(context.Context) (float64, error) {
			return float64(atomic.LoadInt64(&winners)), nil
		},
		Threshold: Threshold{Operator: "<=", Value: float64(stock)},
	})

	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Concurrent borrows of one book never lend more copies than are in stock",
		SteadyState: steady,
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "lending-service",
				Execute: func(ctx context.Context) error {
					var (
						wg       sync.WaitGroup
						mu       sync.Mutex
						firstErr error
					)
					for _, user := range users {
						wg.Add(1)
						go func(user uuid.UUID) {
							defer wg.Done()
							_, err := svc.Borrow(ctx, user, bookID, time.Time{})
							switch {
							case err == nil:
								atomic.AddInt64(&winners, 1)
							case isExpectedRejection(err):
							default:
								mu.Lock()
								if firstErr == nil {
									firstErr = fmt.Errorf("borrow by %s: %w", user, err)
								}
								mu.Unlock()
							}
						}(user)
					}
					wg.Wait()
					return firstErr
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "race_winners",
				Condition: func(v float64) bool { return v == float64(min(stock, len(users))) },
				Message:   "Exactly min(stock, borrowers) borrows should succeed",
			},
			{
				Metric:    "negative_stock",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Stock must never go negative",
			},
		},
		Samples: 1,
	}
}

func isExpectedRejection(err error) bool {
	return errors.Is(err, circulation.ErrOutOfStock) || errors.Is(err, circulation.ErrDuplicateBorrow)
}
