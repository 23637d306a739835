package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"booklibrary/internal/storage"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrNoEvents            = errors.New("no events to append")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one entry of the audit trail of an aggregate (a book or a borrow record).
type Event struct {
	ID            int64     `json:"id" db:"id"`
	AggregateID   uuid.UUID `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string    `json:"aggregate_type" db:"aggregate_type"`
	EventType     string    `json:"event_type" db:"event_type"`
	EventData     string    `json:"event_data" db:"event_data"`
	Version       int       `json:"version" db:"version"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.UnmarshalFromString(e.EventData, v)
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data interface{}) (Event, error) {
	payload, err := json.MarshalToString(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: payload}, nil
}

// Store appends and reads events. It never opens its own transaction: Append
// is meant to run inside the caller's unit of work so that the audit trail
// commits or rolls back together with the state change it describes.
type Store struct {
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
	now     func() time.Time
}

// NewStore creates an event store that builds statements for the given dialect.
func NewStore(dialect goqu.DialectWrapper) *Store {
	return &Store{
		dialect: dialect,
		tracer:  otel.Tracer("booklibrary/eventlog"),
		now:     time.Now,
	}
}

// Append writes events for an aggregate with optimistic concurrency control.
func (s *Store) Append(ctx context.Context, q storage.Querier, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events ...Event) error {
	ctx, span := s.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if len(events) == 0 {
		return ErrNoEvents
	}

	currentVersion, err := s.CurrentVersion(ctx, q, aggregateID)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	rows := make([]interface{}, 0, len(events))
	for i, event := range events {
		rows = append(rows, goqu.Record{
			"aggregate_id":   aggregateID,
			"aggregate_type": aggregateType,
			"event_type":     event.EventType,
			"event_data":     event.EventData,
			"version":        expectedVersion + i + 1,
			"created_at":     s.now().UTC(),
		})
	}

	stmt := s.dialect.Insert("events").Rows(rows...).Prepared(true)
	if _, err := storage.Exec(ctx, q, stmt); err != nil {
		// Lost a race against another writer of the same aggregate.
		if _, ok := storage.UniqueViolation(err); ok {
			return ErrConcurrencyConflict
		}
		span.RecordError(err)
		return storage.Wrap("append events", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// CurrentVersion returns the latest version for an aggregate, 0 if it has no events.
func (s *Store) CurrentVersion(ctx context.Context, q storage.Querier, aggregateID uuid.UUID) (int, error) {
	stmt := s.dialect.From("events").
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_id").Eq(aggregateID)).
		Prepared(true)

	var version int
	if err := storage.Get(ctx, q, &version, stmt); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, storage.Wrap("query current version", err)
	}
	return version, nil
}

// Load returns all events of an aggregate in version order.
func (s *Store) Load(ctx context.Context, q storage.Querier, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	stmt := s.selectEvents().
		Where(goqu.C("aggregate_id").Eq(aggregateID)).
		Order(goqu.C("version").Asc())

	var events []Event
	if err := storage.Select(ctx, q, &events, stmt); err != nil {
		return nil, storage.Wrap("load events", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Stream returns up to limit events with an id greater than fromID, oldest first.
func (s *Store) Stream(ctx context.Context, q storage.Querier, fromID int64, limit uint) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventlog.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", int(limit)),
		),
	)
	defer span.End()

	stmt := s.selectEvents().
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(limit)

	var events []Event
	if err := storage.Select(ctx, q, &events, stmt); err != nil {
		return nil, storage.Wrap("stream events", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (s *Store) selectEvents() *goqu.SelectDataset {
	return s.dialect.From("events").
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "version", "created_at").
		Prepared(true)
}
