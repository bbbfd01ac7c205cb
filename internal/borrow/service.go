// internal/borrow/service.go
package borrow

import (
	"context"

	"bookloans/internal/access"
	"bookloans/internal/common"
	"bookloans/internal/ledger"
)

// Service defines the borrow/return workflow.
type Service interface {
	BorrowBook(ctx context.Context, bookID, userID int64) (*BorrowRecord, error)
	ReturnBook(ctx context.Context, borrowID int64, requester access.Identity) (common.Money, error)
	GetBorrowedBooks(ctx context.Context, userID *int64) ([]BorrowRecord, error)
	GetBorrowedBookByID(ctx context.Context, borrowID int64) (*BorrowRecord, error)
	FilterBorrowedBooks(ctx context.Context, userID, bookID *int64) ([]BorrowRecord, error)
	BorrowHistory(ctx context.Context, borrowID int64) ([]ledger.Event, error)
}
