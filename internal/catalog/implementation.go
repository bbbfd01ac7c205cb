// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookloans/internal/common"
)

const (
	maxSearchLen = 200
	maxNameLen   = 200
)

// service implements the Service interface.
type service struct {
	repo   Repository
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		repo:   repo,
		logger: logger,
		tracer: otel.Tracer("bookloans/catalog"),
	}
}

// AddBook validates and stores a new book with all of its copies available.
func (s *service) AddBook(ctx context.Context, book NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book",
		trace.WithAttributes(attribute.String("book.isbn", book.ISBN)),
	)
	defer span.End()

	book.Title = strings.TrimSpace(book.Title)
	book.ISBN = strings.TrimSpace(book.ISBN)
	book.AuthorName = strings.TrimSpace(book.AuthorName)
	book.CategoryName = strings.TrimSpace(book.CategoryName)

	switch {
	case book.Title == "":
		return nil, common.Validation("title", "Title is required.")
	case book.ISBN == "":
		return nil, common.Validation("isbn", "ISBN is required.")
	case book.AuthorName == "":
		return nil, common.Validation("author_name", "Author is required.")
	case book.CategoryName == "":
		return nil, common.Validation("category_name", "Category is required.")
	case book.TotalCopies < 1:
		return nil, common.Validation("total_copies", "TotalCopies must be at least 1.")
	}
	if err := checkYear(book.PublishedYear); err != nil {
		return nil, err
	}

	stored, err := s.repo.InsertBook(ctx, book)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.Conflict("A book with this ISBN already exists.")
		}
		return nil, s.wrap(ctx, "add book", err)
	}

	s.logger.InfoContext(ctx, "book added", "book_id", stored.ID, "isbn", stored.ISBN, "total_copies", stored.TotalCopies)
	return withStatus(stored), nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id int64) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_book",
		trace.WithAttributes(attribute.Int64("book.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return nil, common.Validation("bookId", "Invalid BookId")
	}

	book, err := s.repo.GetBook(ctx, id)
	if err != nil {
		return nil, s.wrap(ctx, "get book", err)
	}
	return withStatus(book), nil
}

func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_books")
	defer span.End()

	books, err := s.repo.ListBooks(ctx)
	if err != nil {
		return nil, s.wrap(ctx, "list books", err)
	}
	out := make([]Book, 0, len(books))
	for _, b := range books {
		out = append(out, *withStatus(b))
	}
	return out, nil
}

// AddStock adds copies to both the total and the available count in one write,
// so the availability invariant is never observed broken.
func (s *service) AddStock(ctx context.Context, id int64, quantity int) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_stock",
		trace.WithAttributes(
			attribute.Int64("book.id", id),
			attribute.Int("stock.quantity", quantity),
		),
	)
	defer span.End()

	if id <= 0 {
		return nil, common.Validation("bookId", "Invalid BookId")
	}
	if quantity < 1 {
		return nil, common.Validation("quantity", "Quantity must be at least 1.")
	}

	book, err := s.repo.AddStock(ctx, id, quantity)
	if err != nil {
		return nil, s.wrap(ctx, "add stock", err)
	}

	s.logger.InfoContext(ctx, "stock added", "book_id", id, "quantity", quantity, "total_copies", book.TotalCopies)
	return withStatus(book), nil
}

// UpdateBook changes the descriptive fields of a book.
func (s *service) UpdateBook(ctx context.Context, id int64, upd BookUpdate) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_book",
		trace.WithAttributes(attribute.Int64("book.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return nil, common.Validation("bookId", "Invalid BookId")
	}
	if upd.Title == nil && upd.ISBN == nil && upd.AuthorName == nil && upd.CategoryName == nil && upd.PublishedYear == nil {
		return nil, common.Validation("body", "At least one field must be provided.")
	}
	fields := []struct {
		name, label string
		value       **string
	}{
		{"title", "Title", &upd.Title},
		{"isbn", "ISBN", &upd.ISBN},
		{"author_name", "Author", &upd.AuthorName},
		{"category_name", "Category", &upd.CategoryName},
	}
	for _, f := range fields {
		if *f.value == nil {
			continue
		}
		v := strings.TrimSpace(**f.value)
		if v == "" {
			return nil, common.Validation(f.name, f.label+" must not be empty.")
		}
		*f.value = &v
	}
	if err := checkYear(upd.PublishedYear); err != nil {
		return nil, err
	}

	book, err := s.repo.UpdateBook(ctx, id, upd)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.Conflict("A book with this ISBN already exists.")
		}
		return nil, s.wrap(ctx, "update book", err)
	}

	s.logger.InfoContext(ctx, "book updated", "book_id", id)
	return withStatus(book), nil
}

// DeleteBook removes a book that no borrow record references.
func (s *service) DeleteBook(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book",
		trace.WithAttributes(attribute.Int64("book.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return common.Validation("bookId", "Invalid BookId")
	}
	if err := s.repo.DeleteBook(ctx, id); err != nil {
		return s.wrap(ctx, "delete book", err)
	}

	s.logger.InfoContext(ctx, "book deleted", "book_id", id)
	return nil
}

// SearchBooks matches text against title, ISBN, author and category.
func (s *service) SearchBooks(ctx context.Context, text string) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.search_books")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, common.Validation("q", "Search text is required.")
	}
	if len(text) > maxSearchLen {
		return nil, common.Validation("q", "Search text is too long.")
	}
	return s.find(ctx, "search books", Query{Text: text})
}

// FilterBooks returns the books matching every set field of q.
func (s *service) FilterBooks(ctx context.Context, q Query) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.filter_books")
	defer span.End()

	switch {
	case q.AuthorID != nil && *q.AuthorID <= 0:
		return nil, common.Validation("authorId", "Invalid AuthorId")
	case q.CategoryID != nil && *q.CategoryID <= 0:
		return nil, common.Validation("categoryId", "Invalid CategoryId")
	}
	q.Text = strings.TrimSpace(q.Text)
	if len(q.Text) > maxSearchLen {
		return nil, common.Validation("q", "Search text is too long.")
	}
	return s.find(ctx, "filter books", q)
}

func (s *service) find(ctx context.Context, op string, q Query) ([]Book, error) {
	books, err := s.repo.FindBooks(ctx, q)
	if err != nil {
		return nil, s.wrap(ctx, op, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("books.count", len(books)))
	out := make([]Book, 0, len(books))
	for _, b := range books {
		out = append(out, *withStatus(b))
	}
	return out, nil
}

func (s *service) ListFacets(ctx context.Context, kind FacetKind) ([]Facet, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_facets",
		trace.WithAttributes(attribute.String("facet.kind", string(kind))),
	)
	defer span.End()

	if err := checkKind(kind); err != nil {
		return nil, err
	}
	list, err := s.repo.ListFacets(ctx, kind)
	if err != nil {
		return nil, s.wrap(ctx, "list "+kind.plural(), err)
	}
	if list == nil {
		list = []Facet{}
	}
	return list, nil
}

func (s *service) AddFacet(ctx context.Context, kind FacetKind, name string) (*Facet, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_facet",
		trace.WithAttributes(attribute.String("facet.kind", string(kind))),
	)
	defer span.End()

	name, err := checkFacet(kind, name)
	if err != nil {
		return nil, err
	}
	f, err := s.repo.InsertFacet(ctx, kind, name)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.Conflict(kind.Label() + " already exists.")
		}
		return nil, s.wrap(ctx, "add "+string(kind), err)
	}

	s.logger.InfoContext(ctx, "facet added", "kind", kind, "id", f.ID)
	return &f, nil
}

func (s *service) RenameFacet(ctx context.Context, kind FacetKind, id int64, name string) (*Facet, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.rename_facet",
		trace.WithAttributes(attribute.String("facet.kind", string(kind)), attribute.Int64("facet.id", id)),
	)
	defer span.End()

	name, err := checkFacet(kind, name)
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, common.Validation("id", "Invalid "+kind.Label()+"Id")
	}
	f, err := s.repo.RenameFacet(ctx, kind, id, name)
	switch {
	case errors.Is(err, common.ErrConflict):
		return nil, common.Conflict(kind.Label() + " already exists.")
	case errors.Is(err, common.ErrNotFound):
		return nil, common.NotFound(kind.Label() + " not found.")
	case err != nil:
		return nil, s.wrap(ctx, "rename "+string(kind), err)
	}

	s.logger.InfoContext(ctx, "facet renamed", "kind", kind, "id", id)
	return &f, nil
}

// DeleteFacet removes an author or category that no book references.
func (s *service) DeleteFacet(ctx context.Context, kind FacetKind, id int64) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_facet",
		trace.WithAttributes(attribute.String("facet.kind", string(kind)), attribute.Int64("facet.id", id)),
	)
	defer span.End()

	if err := checkKind(kind); err != nil {
		return err
	}
	if id <= 0 {
		return common.Validation("id", "Invalid "+kind.Label()+"Id")
	}
	err := s.repo.DeleteFacet(ctx, kind, id)
	switch {
	case errors.Is(err, common.ErrConflict):
		return common.Conflict(kind.Label() + " still has books.")
	case errors.Is(err, common.ErrNotFound):
		return common.NotFound(kind.Label() + " not found.")
	case err != nil:
		return s.wrap(ctx, "delete "+string(kind), err)
	}

	s.logger.InfoContext(ctx, "facet deleted", "kind", kind, "id", id)
	return nil
}

func checkKind(kind FacetKind) error {
	if kind != FacetAuthor && kind != FacetCategory {
		return common.Validation("kind", "Unknown facet kind.")
	}
	return nil
}

func checkFacet(kind FacetKind, name string) (string, error) {
	if err := checkKind(kind); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", common.Validation("name", "Name is required.")
	case len(name) > maxNameLen:
		return "", common.Validation("name", "Name is too long.")
	}
	return name, nil
}

func checkYear(year *int) error {
	if year != nil && (*year < 0 || *year > time.Now().Year()+1) {
		return common.Validation("published_year", "PublishedYear is out of range.")
	}
	return nil
}

func (s *service) wrap(ctx context.Context, op string, err error) error {
	if de, ok := common.AsDomain(err); ok && de.Kind != common.KindPersistence {
		return err
	}
	s.logger.ErrorContext(ctx, "catalog operation failed", "op", op, "error", err)
	return common.Persistence(op, fmt.Errorf("catalog: %w", err))
}

func withStatus(b Book) *Book {
	if b.CopiesAvailable > 0 {
		b.Status = StatusAvailable
	} else {
		b.Status = StatusUnavailable
	}
	return &b
}
