// internal/borrow/domain.go
package borrow

import (
	"time"

	"bookloans/internal/common"
)

// Status is the lifecycle state of a borrow record.
type Status string

const (
	StatusActive   Status = "Active"
	StatusReturned Status = "Returned"
)

// BookAvailability is the locked view of a book's copy counters.
type BookAvailability struct {
	BookID          int64 `db:"book_id"`
	TotalCopies     int   `db:"total_copies"`
	CopiesAvailable int   `db:"copies_available"`
}

// BorrowRecord represents one loan of one copy to one user. The display fields
// (user name, title, author, category) are filled on reads only.
type BorrowRecord struct {
	ID           int64        `json:"borrow_id" db:"borrow_id"`
	UserID       int64        `json:"user_id" db:"user_id"`
	UserName     string       `json:"user_name,omitempty" db:"user_name"`
	BookID       int64        `json:"book_id" db:"book_id"`
	BookTitle    string       `json:"book_title,omitempty" db:"book_title"`
	AuthorName   string       `json:"author_name,omitempty" db:"author_name"`
	CategoryName string       `json:"category_name,omitempty" db:"category_name"`
	BorrowedAt   time.Time    `json:"borrowed_at" db:"borrowed_at"`
	DueDate      time.Time    `json:"due_date" db:"due_date"`
	ReturnedAt   *time.Time   `json:"returned_at,omitempty" db:"returned_at"`
	Status       Status       `json:"status" db:"status"`
	FineAmount   common.Money `json:"fine_amount" db:"fine_cents"`
}

// Filter narrows a borrowed-books query. Nil fields are not applied; set fields
// combine with AND.
type Filter struct {
	UserID *int64
	BookID *int64
}

const (
	EventBookBorrowed = "BookBorrowed"
	EventBookReturned = "BookReturned"
)

// BookBorrowedEvent is recorded in the ledger when a loan starts.
type BookBorrowedEvent struct {
	BorrowID   int64     `json:"borrow_id"`
	BookID     int64     `json:"book_id"`
	UserID     int64     `json:"user_id"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueDate    time.Time `json:"due_date"`
}

// BookReturnedEvent is recorded in the ledger when a loan ends.
type BookReturnedEvent struct {
	BorrowID   int64        `json:"borrow_id"`
	BookID     int64        `json:"book_id"`
	UserID     int64        `json:"user_id"`
	ReturnedBy int64        `json:"returned_by"`
	ReturnedAt time.Time    `json:"returned_at"`
	FineAmount common.Money `json:"fine_amount"`
}
