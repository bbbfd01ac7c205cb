package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookloans/internal/borrow"
	"bookloans/internal/common"
	"bookloans/internal/dbx"
	"bookloans/internal/ledger"
)

// Atomic runs fn in a READ COMMITTED transaction. Correctness under
// concurrency comes from the row locks taken by LockBook and LockBorrow.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx borrow.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "postgres.atomic")
	defer span.End()

	err := dbx.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, &borrowTx{tx: tx, events: s.events})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")
	}
	return err
}

type borrowTx struct {
	tx     *sqlx.Tx
	events *ledger.EventStore
}

func (t *borrowTx) LockBook(ctx context.Context, bookID int64) (borrow.BookAvailability, error) {
	var b borrow.BookAvailability
	err := t.tx.GetContext(ctx, &b, `
		SELECT book_id, total_copies, copies_available
		FROM books
		WHERE book_id = $1
		FOR UPDATE
	`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return b, common.BookNotFound(bookID)
	}
	return b, mapError("lock book", err)
}

func (t *borrowTx) SetCopiesAvailable(ctx context.Context, bookID int64, copies int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE books SET copies_available = $2 WHERE book_id = $1
	`, bookID, copies)
	if err != nil {
		return mapError("set copies available", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.BookNotFound(bookID)
	}
	return nil
}

func (t *borrowTx) CountActiveLoans(ctx context.Context, bookID, userID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM borrowed_books
		WHERE book_id = $1 AND user_id = $2 AND status = $3
	`, bookID, userID, string(borrow.StatusActive))
	return n, mapError("count active loans", err)
}

func (t *borrowTx) InsertBorrow(ctx context.Context, rec borrow.BorrowRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO borrowed_books (user_id, book_id, borrowed_at, due_date, status, fine_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING borrow_id
	`, rec.UserID, rec.BookID, rec.BorrowedAt, rec.DueDate, string(rec.Status), int64(rec.FineAmount)).Scan(&id)
	if isForeignKey(err, "borrowed_books_user_id_fkey") {
		return 0, common.UserNotFound(rec.UserID)
	}
	return id, mapError("insert borrow", err)
}

func (t *borrowTx) LockBorrow(ctx context.Context, borrowID int64) (borrow.BorrowRecord, error) {
	var rec borrow.BorrowRecord
	err := t.tx.GetContext(ctx, &rec, `
		SELECT borrow_id, user_id, book_id, borrowed_at, due_date, returned_at, status, fine_cents
		FROM borrowed_books
		WHERE borrow_id = $1
		FOR UPDATE
	`, borrowID)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, common.BorrowRecordNotFound(borrowID)
	}
	return rec, mapError("lock borrow", err)
}

func (t *borrowTx) CompleteReturn(ctx context.Context, rec borrow.BorrowRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE borrowed_books
		SET returned_at = $2, status = $3, fine_cents = $4
		WHERE borrow_id = $1
	`, rec.ID, rec.ReturnedAt, string(rec.Status), int64(rec.FineAmount))
	return mapError("complete return", err)
}

func (t *borrowTx) AppendEvent(ctx context.Context, event ledger.Event) error {
	return t.events.Append(ctx, t.tx, event)
}

// borrowedQuery selects borrow records joined with the names shown to clients.
func borrowedQuery() *goqu.SelectDataset {
	return goqu.Dialect("postgres").
		From(goqu.T("borrowed_books").As("bb")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.I("u.user_id").Eq(goqu.I("bb.user_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.book_id").Eq(goqu.I("bb.book_id")))).
		Join(goqu.T("authors").As("a"), goqu.On(goqu.I("a.author_id").Eq(goqu.I("b.author_id")))).
		Join(goqu.T("categories").As("c"), goqu.On(goqu.I("c.category_id").Eq(goqu.I("b.category_id")))).
		Select(
			goqu.I("bb.borrow_id"),
			goqu.I("bb.user_id"),
			goqu.I("u.full_name").As("user_name"),
			goqu.I("bb.book_id"),
			goqu.I("b.title").As("book_title"),
			goqu.I("a.name").As("author_name"),
			goqu.I("c.name").As("category_name"),
			goqu.I("bb.borrowed_at"),
			goqu.I("bb.due_date"),
			goqu.I("bb.returned_at"),
			goqu.I("bb.status"),
			goqu.I("bb.fine_cents"),
		).
		Prepared(true)
}

// GetBorrowed applies only the filter fields that are set.
func (s *Store) GetBorrowed(ctx context.Context, filter borrow.Filter) ([]borrow.BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.get_borrowed")
	defer span.End()

	ds := borrowedQuery()
	if filter.UserID != nil {
		span.SetAttributes(attribute.Int64("filter.user_id", *filter.UserID))
		ds = ds.Where(goqu.I("bb.user_id").Eq(*filter.UserID))
	}
	if filter.BookID != nil {
		span.SetAttributes(attribute.Int64("filter.book_id", *filter.BookID))
		ds = ds.Where(goqu.I("bb.book_id").Eq(*filter.BookID))
	}

	query, args, err := ds.Order(goqu.I("bb.borrow_id").Asc()).ToSQL()
	if err != nil {
		return nil, mapError("build borrowed query", err)
	}

	records := []borrow.BorrowRecord{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		span.RecordError(err)
		return nil, mapError("get borrowed", err)
	}
	span.SetAttributes(attribute.Int("records.count", len(records)))
	return records, nil
}

func (s *Store) GetBorrowedByID(ctx context.Context, borrowID int64) (borrow.BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.get_borrowed_by_id",
		trace.WithAttributes(attribute.Int64("borrow.id", borrowID)),
	)
	defer span.End()

	var rec borrow.BorrowRecord
	query, args, err := borrowedQuery().Where(goqu.I("bb.borrow_id").Eq(borrowID)).ToSQL()
	if err != nil {
		return rec, mapError("build borrowed query", err)
	}

	err = s.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, common.BorrowRecordNotFound(borrowID)
	}
	return rec, mapError("get borrowed by id", err)
}

func (s *Store) BorrowHistory(ctx context.Context, borrowID int64) ([]ledger.Event, error) {
	return s.events.Load(ctx, s.db, borrow.AggregateType, borrowID)
}
