package borrow

import (
	"context"

	"bookloans/internal/ledger"
)

// Tx is the set of durable reads and writes available inside one unit of work.
// Lock methods hold the row until the unit of work ends.
type Tx interface {
	// LockBook returns common.ErrBookNotFound when the book does not exist.
	LockBook(ctx context.Context, bookID int64) (BookAvailability, error)
	SetCopiesAvailable(ctx context.Context, bookID int64, copies int) error
	CountActiveLoans(ctx context.Context, bookID, userID int64) (int, error)
	InsertBorrow(ctx context.Context, rec BorrowRecord) (int64, error)
	// LockBorrow returns common.ErrBorrowRecordNotFound when the record does not exist.
	LockBorrow(ctx context.Context, borrowID int64) (BorrowRecord, error)
	CompleteReturn(ctx context.Context, rec BorrowRecord) error
	AppendEvent(ctx context.Context, event ledger.Event) error
}

// Gateway is the persistence collaborator of the engine. Atomic must run fn
// with all-or-nothing semantics: fn returning an error, a panic or a cancelled
// context leaves no trace of its writes.
type Gateway interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetBorrowed(ctx context.Context, filter Filter) ([]BorrowRecord, error)
	// GetBorrowedByID returns common.ErrBorrowRecordNotFound when absent.
	GetBorrowedByID(ctx context.Context, borrowID int64) (BorrowRecord, error)
	BorrowHistory(ctx context.Context, borrowID int64) ([]ledger.Event, error)
}
