package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Message string `json:"message"`
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	ev, err := NewEvent("borrow", 9, "BookBorrowed", 1, testPayload{Message: "hi"}, at)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, int64(9), ev.AggregateID)
	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, time.UTC, ev.CreatedAt.Location())
	assert.JSONEq(t, `{"message":"hi"}`, string(ev.EventData))

	_, err = NewEvent("borrow", 9, "BookBorrowed", 0, nil, at)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestEventStore_Append(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEventStore()

	ev, err := NewEvent("borrow", 3, "BookReturned", 2, testPayload{Message: "x"}, time.Now())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO borrow_events`).
		WithArgs(ev.ID, ev.AggregateID, ev.AggregateType, ev.EventType, []byte(ev.EventData), ev.Version, ev.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), db, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_Append_DuplicateVersionIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEventStore()

	ev, err := NewEvent("borrow", 3, "BookReturned", 2, testPayload{}, time.Now())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO borrow_events`).
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.Append(context.Background(), db, ev)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestEventStore_Append_OtherErrorIsWrapped(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEventStore()

	ev, err := NewEvent("borrow", 3, "BookBorrowed", 1, testPayload{}, time.Now())
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectExec(`INSERT INTO borrow_events`).WillReturnError(boom)

	err = store.Append(context.Background(), db, ev)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConcurrencyConflict)
}

func TestEventStore_Load(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEventStore()

	id1, id2 := uuid.New(), uuid.New()
	now := time.Now().UTC()
	data, _ := json.Marshal(testPayload{Message: "m"})

	rows := sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "version", "created_at"}).
		AddRow(id1.String(), int64(5), "borrow", "BookBorrowed", data, 1, now).
		AddRow(id2.String(), int64(5), "borrow", "BookReturned", data, 2, now)

	mock.ExpectQuery(`SELECT .* FROM borrow_events`).
		WithArgs("borrow", int64(5)).
		WillReturnRows(rows)

	events, err := store.Load(context.Background(), db, "borrow", 5)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, id1, events[0].ID)
	assert.Equal(t, "BookReturned", events[1].EventType)
	assert.Equal(t, 2, events[1].Version)
	assert.JSONEq(t, `{"message":"m"}`, string(events[1].EventData))
}
