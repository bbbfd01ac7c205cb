// internal/catalog/domain.go
package catalog

import (
	"time"

	"bookloans/internal/common"
)

const (
	StatusAvailable   = "Available"
	StatusUnavailable = "Unavailable"
)

// Returned by Repository.DeleteBook while loans still reference the book.
var (
	ErrActiveLoans = common.Conflict("Book has active loans.")
	ErrLoanHistory = common.Conflict("Book has loan history and cannot be deleted.")
)

// Book is a catalog entry together with its copy counters.
type Book struct {
	ID              int64     `json:"book_id" db:"book_id"`
	Title           string    `json:"title" db:"title"`
	ISBN            string    `json:"isbn" db:"isbn"`
	AuthorID        int64     `json:"author_id" db:"author_id"`
	AuthorName      string    `json:"author_name" db:"author_name"`
	CategoryID      int64     `json:"category_id" db:"category_id"`
	CategoryName    string    `json:"category_name" db:"category_name"`
	PublishedYear   *int      `json:"published_year,omitempty" db:"published_year"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	CopiesAvailable int       `json:"copies_available" db:"copies_available"`
	Status          string    `json:"status" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// NewBook is the input for AddBook.
type NewBook struct {
	Title         string `json:"title"`
	ISBN          string `json:"isbn"`
	AuthorName    string `json:"author_name"`
	CategoryName  string `json:"category_name"`
	PublishedYear *int   `json:"published_year,omitempty"`
	TotalCopies   int    `json:"total_copies"`
}

// BookUpdate changes only the fields that are set. Copy counts change through
// AddStock and the borrow flow, never here.
type BookUpdate struct {
	Title         *string `json:"title,omitempty"`
	ISBN          *string `json:"isbn,omitempty"`
	AuthorName    *string `json:"author_name,omitempty"`
	CategoryName  *string `json:"category_name,omitempty"`
	PublishedYear *int    `json:"published_year,omitempty"`
}

// Query selects books. Text matches title, ISBN, author or category
// case-insensitively; unset fields do not constrain.
type Query struct {
	Text       string
	AuthorID   *int64
	CategoryID *int64
	Available  *bool
}

// FacetKind names a list books are grouped by.
type FacetKind string

const (
	FacetAuthor   FacetKind = "author"
	FacetCategory FacetKind = "category"
)

func (k FacetKind) Label() string {
	if k == FacetCategory {
		return "Category"
	}
	return "Author"
}

func (k FacetKind) plural() string {
	if k == FacetCategory {
		return "categories"
	}
	return "authors"
}

// Facet is an author or a category.
type Facet struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}
