package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/common"
	"bookloans/internal/ledger"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

const (
	lockBookQ   = `(?s)SELECT\s+book_id,\s*total_copies,\s*copies_available\s+FROM\s+books\s+WHERE\s+book_id\s*=\s*\$1\s+FOR\s+UPDATE`
	setCopiesQ  = `(?s)UPDATE\s+books\s+SET\s+copies_available\s*=\s*\$2\s+WHERE\s+book_id\s*=\s*\$1`
	lockBorrowQ = `(?s)SELECT\s+borrow_id,.*FROM\s+borrowed_books\s+WHERE\s+borrow_id\s*=\s*\$1\s+FOR\s+UPDATE`
	insertEvQ   = `(?s)INSERT\s+INTO\s+borrow_events`
)

func TestAtomic_CommitsWork(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBookQ).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"book_id", "total_copies", "copies_available"}).AddRow(5, 3, 2))
	mock.ExpectExec(setCopiesQ).WithArgs(5, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		b, err := tx.LockBook(ctx, 5)
		if err != nil {
			return err
		}
		assert.Equal(t, borrow.BookAvailability{BookID: 5, TotalCopies: 3, CopiesAvailable: 2}, b)
		return tx.SetCopiesAvailable(ctx, 5, b.CopiesAvailable-1)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomic_BookNotFoundRollsBack(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBookQ).WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"book_id", "total_copies", "copies_available"}))
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		_, err := tx.LockBook(ctx, 9)
		return err
	})
	assert.ErrorIs(t, err, common.ErrBookNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCopiesAvailable_CheckViolation(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(setCopiesQ).WithArgs(5, -1).
		WillReturnError(&pq.Error{Code: codeCheckViolation, Constraint: "books_copies_available_range"})
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		return tx.SetCopiesAvailable(ctx, 5, -1)
	})
	assert.ErrorIs(t, err, common.ErrPersistence)
	assert.Contains(t, err.Error(), "books_copies_available_range")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockBorrow(t *testing.T) {
	store, mock := newStoreWithMock(t)
	due := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBorrowQ).WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"borrow_id", "user_id", "book_id", "borrowed_at", "due_date", "returned_at", "status", "fine_cents"}).
			AddRow(11, 2, 5, due.Add(-72*time.Hour), due, nil, "Active", 0))
	mock.ExpectQuery(lockBorrowQ).WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"borrow_id"}))
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		rec, err := tx.LockBorrow(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.UserID)
		assert.Equal(t, borrow.StatusActive, rec.Status)
		assert.Nil(t, rec.ReturnedAt)
		assert.Equal(t, due, rec.DueDate)

		_, err = tx.LockBorrow(ctx, 12)
		return err
	})
	assert.ErrorIs(t, err, common.ErrBorrowRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBorrow_UnknownUser(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+borrowed_books`).
		WillReturnError(&pq.Error{Code: codeForeignKeyViolation, Constraint: "borrowed_books_user_id_fkey"})
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		_, err := tx.InsertBorrow(ctx, borrow.BorrowRecord{UserID: 77, BookID: 1, Status: borrow.StatusActive})
		return err
	})
	assert.ErrorIs(t, err, common.ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_DuplicateVersion(t *testing.T) {
	store, mock := newStoreWithMock(t)

	ev, err := ledger.NewEvent(borrow.AggregateType, 3, borrow.EventBookReturned, 2, map[string]int{"borrow_id": 3}, time.Now())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(insertEvQ).WillReturnError(&pq.Error{Code: codeUniqueViolation, Constraint: "borrow_events_aggregate_version_key"})
	mock.ExpectRollback()

	err = store.Atomic(context.Background(), func(ctx context.Context, tx borrow.Tx) error {
		return tx.AppendEvent(ctx, ev)
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

var borrowedCols = []string{
	"borrow_id", "user_id", "user_name", "book_id", "book_title", "author_name", "category_name",
	"borrowed_at", "due_date", "returned_at", "status", "fine_cents",
}

func TestGetBorrowed_AppliesSetFilters(t *testing.T) {
	store, mock := newStoreWithMock(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	returned := now.Add(96 * time.Hour)

	mock.ExpectQuery(`(?s)FROM "borrowed_books" AS "bb".*WHERE.*"bb"\."user_id" = \$1.*"bb"\."book_id" = \$2.*ORDER BY "bb"\."borrow_id" ASC`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows(borrowedCols).
			AddRow(1, 3, "Ada", 7, "Dune", "Frank Herbert", "SF", now, now.Add(72*time.Hour), returned, "Returned", 200))

	userID, bookID := int64(3), int64(7)
	records, err := store.GetBorrowed(context.Background(), borrow.Filter{UserID: &userID, BookID: &bookID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Ada", records[0].UserName)
	assert.Equal(t, "Frank Herbert", records[0].AuthorName)
	assert.Equal(t, common.Money(200), records[0].FineAmount)
	require.NotNil(t, records[0].ReturnedAt)
	assert.Equal(t, returned, *records[0].ReturnedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBorrowed_NoFilter(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)FROM "borrowed_books" AS "bb"`).
		WillReturnRows(sqlmock.NewRows(borrowedCols))

	records, err := store.GetBorrowed(context.Background(), borrow.Filter{})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBorrowedByID_NotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)FROM "borrowed_books" AS "bb".*"bb"\."borrow_id" = \$1`).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(borrowedCols))

	_, err := store.GetBorrowedByID(context.Background(), 404)
	assert.ErrorIs(t, err, common.ErrBorrowRecordNotFound)
}

func TestGetBorrowed_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)FROM "borrowed_books"`).WillReturnError(errors.New("db down"))

	_, err := store.GetBorrowed(context.Background(), borrow.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get borrowed: db down")
	assert.Equal(t, common.KindUnknown, common.KindOf(err))
}

func TestInsertBook_DuplicateISBN(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+authors`).WithArgs("Frank Herbert").
		WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow(1))
	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+categories`).WithArgs("SF").
		WillReturnRows(sqlmock.NewRows([]string{"category_id"}).AddRow(2))
	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+books`).
		WillReturnError(&pq.Error{Code: codeUniqueViolation, Constraint: "books_isbn_key"})
	mock.ExpectRollback()

	_, err := store.InsertBook(context.Background(), catalog.NewBook{
		Title: "Dune", ISBN: "978-0441013593", AuthorName: "Frank Herbert", CategoryName: "SF", TotalCopies: 2,
	})
	assert.ErrorIs(t, err, common.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddStock_UnknownBook(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+books\s+SET\s+total_copies`).WithArgs(8, 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.AddStock(context.Background(), 8, 2)
	assert.ErrorIs(t, err, common.ErrBookNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmail(t *testing.T) {
	store, mock := newStoreWithMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q := `(?s)SELECT\s+u\.user_id.*FROM\s+users\s+u\s+JOIN\s+credentials\s+c.*WHERE\s+u\.email\s*=\s*\$1`
	mock.ExpectQuery(q).WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "full_name", "email", "phone", "role", "created_at", "password_hash", "salt"}).
			AddRow(4, "Ada", "ada@example.com", "", "Admin", created, "hash", "salt"))
	mock.ExpectQuery(q).WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	u, cred, err := store.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.ID)
	assert.Equal(t, "Admin", string(u.Role))
	assert.Equal(t, int64(4), cred.UserID)
	assert.Equal(t, "hash", cred.PasswordHash)

	_, _, err = store.GetUserByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, common.ErrUserNotFound)
}

func TestCountAvailabilityDrift(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)SELECT\s+COUNT\(\*\)\s+FROM\s+books\s+b\s+LEFT\s+JOIN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.CountAvailabilityDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMigrate_UsesEmbeddedFiles(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), nil))
	assert.Equal(t, "migrations", gotDir)

	gooseUp = func(context.Context, *sql.DB, string) error { return errors.New("dirty database") }
	err = Migrate(context.Background(), nil)
	assert.ErrorContains(t, err, "run migrations: dirty database")
}
