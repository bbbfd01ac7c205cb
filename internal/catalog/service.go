// internal/catalog/service.go
package catalog

import (
	"context"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, book NewBook) (*Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	AddStock(ctx context.Context, id int64, quantity int) (*Book, error)
	UpdateBook(ctx context.Context, id int64, upd BookUpdate) (*Book, error)
	DeleteBook(ctx context.Context, id int64) error
	SearchBooks(ctx context.Context, text string) ([]Book, error)
	FilterBooks(ctx context.Context, q Query) ([]Book, error)

	ListFacets(ctx context.Context, kind FacetKind) ([]Facet, error)
	AddFacet(ctx context.Context, kind FacetKind, name string) (*Facet, error)
	RenameFacet(ctx context.Context, kind FacetKind, id int64, name string) (*Facet, error)
	DeleteFacet(ctx context.Context, kind FacetKind, id int64) error
}

// Repository is the storage behind the catalog. InsertBook and UpdateBook
// report a duplicate ISBN as common.ErrConflict; lookups by id report
// common.ErrBookNotFound. Author and category names given on a book are
// created when they do not exist yet.
type Repository interface {
	InsertBook(ctx context.Context, book NewBook) (Book, error)
	GetBook(ctx context.Context, id int64) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	AddStock(ctx context.Context, id int64, quantity int) (Book, error)
	UpdateBook(ctx context.Context, id int64, upd BookUpdate) (Book, error)
	// DeleteBook returns ErrActiveLoans or ErrLoanHistory while borrow records
	// reference the book.
	DeleteBook(ctx context.Context, id int64) error
	FindBooks(ctx context.Context, q Query) ([]Book, error)

	ListFacets(ctx context.Context, kind FacetKind) ([]Facet, error)
	// InsertFacet and RenameFacet return common.ErrConflict for a taken name.
	InsertFacet(ctx context.Context, kind FacetKind, name string) (Facet, error)
	// RenameFacet and DeleteFacet return common.ErrNotFound for an unknown id.
	// DeleteFacet returns common.ErrConflict while books reference the facet.
	RenameFacet(ctx context.Context, kind FacetKind, id int64, name string) (Facet, error)
	DeleteFacet(ctx context.Context, kind FacetKind, id int64) error
}
