package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version already recorded")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Event is one immutable fact about an aggregate, ordered by Version.
type Event struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	AggregateID   int64           `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewEvent marshals payload into a versioned event for the given aggregate.
func NewEvent(aggregateType string, aggregateID int64, eventType string, version int, payload any, at time.Time) (Event, error) {
	if version < 1 {
		return Event{}, ErrInvalidVersion
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		Version:       version,
		CreatedAt:     at.UTC(),
	}, nil
}

// EventStore appends and loads events in the borrow_events table. It never opens
// its own transaction: Append runs on whatever handle the caller is holding so the
// event commits or rolls back with the state change it describes.
type EventStore struct {
	tracer trace.Tracer
}

func NewEventStore() *EventStore {
	return &EventStore{
		tracer: otel.Tracer("bookloans/ledger"),
	}
}

// Append inserts event. A second event with the same (aggregate, version) yields
// ErrConcurrencyConflict.
func (es *EventStore) Append(ctx context.Context, db sqlx.ExecerContext, event Event) error {
	ctx, span := es.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			attribute.Int64("aggregate.id", event.AggregateID),
			attribute.String("aggregate.type", event.AggregateType),
			attribute.String("event.type", event.EventType),
			attribute.Int("event.version", event.Version),
		),
	)
	defer span.End()

	if event.Version < 1 {
		return ErrInvalidVersion
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO borrow_events (id, aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.AggregateID, event.AggregateType, event.EventType, []byte(event.EventData), event.Version, event.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return ErrConcurrencyConflict
		}
		span.RecordError(err)
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// Load returns the events of one aggregate in version order.
func (es *EventStore) Load(ctx context.Context, db sqlx.QueryerContext, aggregateType string, aggregateID int64) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "ledger.load",
		trace.WithAttributes(
			attribute.Int64("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
		),
	)
	defer span.End()

	events := []Event{}
	err := sqlx.SelectContext(ctx, db, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM borrow_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version ASC
	`, aggregateType, aggregateID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
