package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"bookloans/internal/catalog"
	"bookloans/internal/common"
	"bookloans/internal/dbx"
)

const (
	upsertAuthorQ = `
		INSERT INTO authors (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING author_id
	`
	upsertCategoryQ = `
		INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING category_id
	`
)

const selectBooks = `
	SELECT b.book_id, b.title, b.isbn, b.author_id, a.name AS author_name,
	       b.category_id, c.name AS category_name, b.published_year, b.total_copies, b.copies_available, b.created_at
	FROM books b
	JOIN authors a ON a.author_id = b.author_id
	JOIN categories c ON c.category_id = b.category_id
`

// InsertBook upserts the author and category by name and stores the book with
// every copy available.
func (s *Store) InsertBook(ctx context.Context, book catalog.NewBook) (catalog.Book, error) {
	var out catalog.Book
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		authorID, err := upsertName(ctx, tx, upsertAuthorQ, book.AuthorName)
		if err != nil {
			return mapError("upsert author", err)
		}
		categoryID, err := upsertName(ctx, tx, upsertCategoryQ, book.CategoryName)
		if err != nil {
			return mapError("upsert category", err)
		}

		var id int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO books (title, isbn, author_id, category_id, published_year, total_copies, copies_available)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING book_id
		`, book.Title, book.ISBN, authorID, categoryID, book.PublishedYear, book.TotalCopies).Scan(&id)
		if err != nil {
			return mapError("insert book", err)
		}

		out, err = getBook(ctx, tx, id)
		return err
	})
	return out, err
}

func upsertName(ctx context.Context, tx *sqlx.Tx, query, name string) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, query, name).Scan(&id)
	return id, err
}

func getBook(ctx context.Context, db dbx.DBTX, id int64) (catalog.Book, error) {
	var b catalog.Book
	err := db.GetContext(ctx, &b, selectBooks+` WHERE b.book_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return b, common.BookNotFound(id)
	}
	return b, mapError("get book", err)
}

func (s *Store) GetBook(ctx context.Context, id int64) (catalog.Book, error) {
	return getBook(ctx, s.db, id)
}

func (s *Store) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	books := []catalog.Book{}
	if err := s.db.SelectContext(ctx, &books, selectBooks+` ORDER BY b.book_id`); err != nil {
		return nil, mapError("list books", err)
	}
	return books, nil
}

// AddStock raises total_copies and copies_available in one statement so the
// range check on copies_available holds at every point.
func (s *Store) AddStock(ctx context.Context, id int64, quantity int) (catalog.Book, error) {
	var out catalog.Book
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE books
			SET total_copies = total_copies + $2, copies_available = copies_available + $2
			WHERE book_id = $1
		`, id, quantity)
		if err != nil {
			return mapError("add stock", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return common.BookNotFound(id)
		}
		out, err = getBook(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateBook leaves a column unchanged when its field is nil.
func (s *Store) UpdateBook(ctx context.Context, id int64, upd catalog.BookUpdate) (catalog.Book, error) {
	var out catalog.Book
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var authorID, categoryID *int64
		if upd.AuthorName != nil {
			aid, err := upsertName(ctx, tx, upsertAuthorQ, *upd.AuthorName)
			if err != nil {
				return mapError("upsert author", err)
			}
			authorID = &aid
		}
		if upd.CategoryName != nil {
			cid, err := upsertName(ctx, tx, upsertCategoryQ, *upd.CategoryName)
			if err != nil {
				return mapError("upsert category", err)
			}
			categoryID = &cid
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE books
			SET title = COALESCE($2, title),
			    isbn = COALESCE($3, isbn),
			    author_id = COALESCE($4, author_id),
			    category_id = COALESCE($5, category_id),
			    published_year = COALESCE($6, published_year)
			WHERE book_id = $1
		`, id, upd.Title, upd.ISBN, authorID, categoryID, upd.PublishedYear)
		if err != nil {
			return mapError("update book", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return common.BookNotFound(id)
		}
		out, err = getBook(ctx, tx, id)
		return err
	})
	return out, err
}

// DeleteBook locks the book row first so a concurrent borrow either finishes
// before the loan check or fails to find the book.
func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var locked int64
		err := tx.QueryRowxContext(ctx, `SELECT book_id FROM books WHERE book_id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return common.BookNotFound(id)
		}
		if err != nil {
			return mapError("lock book", err)
		}
		if err := loansBlockDelete(ctx, tx, "book_id", id, catalog.ErrActiveLoans, catalog.ErrLoanHistory); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM books WHERE book_id = $1`, id)
		return mapError("delete book", err)
	})
}

// loansBlockDelete returns active when a borrow record with column = id is
// Active and history when only Returned ones exist.
func loansBlockDelete(ctx context.Context, tx *sqlx.Tx, column string, id int64, active, history error) error {
	query, args, err := goqu.Dialect("postgres").
		From("borrowed_books").
		Select(
			goqu.L("COUNT(*)").As("total"),
			goqu.L("COUNT(*) FILTER (WHERE status = 'Active')").As("active"),
		).
		Where(goqu.C(column).Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return mapError("build loan count", err)
	}

	var counts struct {
		Total  int64 `db:"total"`
		Active int64 `db:"active"`
	}
	if err := tx.GetContext(ctx, &counts, query, args...); err != nil {
		return mapError("count loans", err)
	}
	switch {
	case counts.Active > 0:
		return active
	case counts.Total > 0:
		return history
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func booksQuery() *goqu.SelectDataset {
	return goqu.Dialect("postgres").
		From(goqu.T("books").As("b")).
		Join(goqu.T("authors").As("a"), goqu.On(goqu.I("a.author_id").Eq(goqu.I("b.author_id")))).
		Join(goqu.T("categories").As("c"), goqu.On(goqu.I("c.category_id").Eq(goqu.I("b.category_id")))).
		Select(
			goqu.I("b.book_id"),
			goqu.I("b.title"),
			goqu.I("b.isbn"),
			goqu.I("b.author_id"),
			goqu.I("a.name").As("author_name"),
			goqu.I("b.category_id"),
			goqu.I("c.name").As("category_name"),
			goqu.I("b.published_year"),
			goqu.I("b.total_copies"),
			goqu.I("b.copies_available"),
			goqu.I("b.created_at"),
		).
		Prepared(true)
}

// FindBooks applies only the query fields that are set.
func (s *Store) FindBooks(ctx context.Context, q catalog.Query) ([]catalog.Book, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.find_books")
	defer span.End()

	ds := booksQuery()
	if q.AuthorID != nil {
		ds = ds.Where(goqu.I("b.author_id").Eq(*q.AuthorID))
	}
	if q.CategoryID != nil {
		ds = ds.Where(goqu.I("b.category_id").Eq(*q.CategoryID))
	}
	if q.Available != nil {
		if *q.Available {
			ds = ds.Where(goqu.I("b.copies_available").Gt(0))
		} else {
			ds = ds.Where(goqu.I("b.copies_available").Eq(0))
		}
	}
	if q.Text != "" {
		pattern := "%" + likeEscaper.Replace(q.Text) + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("b.title").ILike(pattern),
			goqu.I("b.isbn").ILike(pattern),
			goqu.I("a.name").ILike(pattern),
			goqu.I("c.name").ILike(pattern),
		))
	}

	query, args, err := ds.Order(goqu.I("b.book_id").Asc()).ToSQL()
	if err != nil {
		return nil, mapError("build books query", err)
	}
	books := []catalog.Book{}
	if err := s.db.SelectContext(ctx, &books, query, args...); err != nil {
		span.RecordError(err)
		return nil, mapError("find books", err)
	}
	return books, nil
}

type facetTable struct {
	table, id, booksFK string
}

func facetTableFor(kind catalog.FacetKind) facetTable {
	if kind == catalog.FacetCategory {
		return facetTable{table: "categories", id: "category_id", booksFK: "books_category_id_fkey"}
	}
	return facetTable{table: "authors", id: "author_id", booksFK: "books_author_id_fkey"}
}

func (s *Store) ListFacets(ctx context.Context, kind catalog.FacetKind) ([]catalog.Facet, error) {
	t := facetTableFor(kind)
	query, args, err := goqu.Dialect("postgres").
		From(t.table).
		Select(goqu.C(t.id).As("id"), goqu.C("name")).
		Order(goqu.C(t.id).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, mapError("build facet query", err)
	}
	list := []catalog.Facet{}
	if err := s.db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, mapError("list "+t.table, err)
	}
	return list, nil
}

func (s *Store) InsertFacet(ctx context.Context, kind catalog.FacetKind, name string) (catalog.Facet, error) {
	t := facetTableFor(kind)
	query, args, err := goqu.Dialect("postgres").
		Insert(t.table).
		Rows(goqu.Record{"name": name}).
		Returning(goqu.C(t.id).As("id"), goqu.C("name")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Facet{}, mapError("build facet insert", err)
	}
	var f catalog.Facet
	if err := s.db.GetContext(ctx, &f, query, args...); err != nil {
		return f, mapError("insert into "+t.table, err)
	}
	return f, nil
}

// RenameFacet changes the name. Books join on the id, so they follow.
func (s *Store) RenameFacet(ctx context.Context, kind catalog.FacetKind, id int64, name string) (catalog.Facet, error) {
	t := facetTableFor(kind)
	query, args, err := goqu.Dialect("postgres").
		Update(t.table).
		Set(goqu.Record{"name": name}).
		Where(goqu.C(t.id).Eq(id)).
		Returning(goqu.C(t.id).As("id"), goqu.C("name")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Facet{}, mapError("build facet update", err)
	}
	var f catalog.Facet
	err = s.db.GetContext(ctx, &f, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return f, common.NotFound("not found")
	}
	return f, mapError("update "+t.table, err)
}

func (s *Store) DeleteFacet(ctx context.Context, kind catalog.FacetKind, id int64) error {
	t := facetTableFor(kind)
	query, args, err := goqu.Dialect("postgres").
		Delete(t.table).
		Where(goqu.C(t.id).Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return mapError("build facet delete", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if isForeignKey(err, t.booksFK) {
		return common.Conflict("facet is referenced by books")
	}
	if err != nil {
		return mapError("delete from "+t.table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NotFound("not found")
	}
	return nil
}
