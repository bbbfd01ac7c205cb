// Package memory is an in-process store with the same transactional contract as
// the Postgres store. Each unit of work runs against a private copy of the
// state that replaces the shared state only when the work succeeds.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/common"
	"bookloans/internal/ledger"
	"bookloans/internal/users"
)

type state struct {
	books   map[int64]catalog.Book
	isbns   map[string]int64
	borrows map[int64]borrow.BorrowRecord
	events  map[int64][]ledger.Event
	users   map[int64]users.User
	creds   map[int64]users.Credential
	emails  map[string]int64

	authors    map[int64]catalog.Facet
	categories map[int64]catalog.Facet

	nextBook     int64
	nextBorrow   int64
	nextUser     int64
	nextAuthor   int64
	nextCategory int64
}

func (s *state) clone() *state {
	c := *s
	c.books = maps.Clone(s.books)
	c.isbns = maps.Clone(s.isbns)
	c.borrows = maps.Clone(s.borrows)
	c.events = maps.Clone(s.events)
	c.users = maps.Clone(s.users)
	c.creds = maps.Clone(s.creds)
	c.emails = maps.Clone(s.emails)
	c.authors = maps.Clone(s.authors)
	c.categories = maps.Clone(s.categories)
	return &c
}

// Store keeps every table in memory.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return &Store{
		st: &state{
			books:   make(map[int64]catalog.Book),
			isbns:   make(map[string]int64),
			borrows: make(map[int64]borrow.BorrowRecord),
			events:  make(map[int64][]ledger.Event),
			users:   make(map[int64]users.User),
			creds:   make(map[int64]users.Credential),
			emails:  make(map[string]int64),

			authors:    make(map[int64]catalog.Facet),
			categories: make(map[int64]catalog.Facet),
		},
		now: time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error { return nil }

// write runs fn on a copy of the state and installs the copy if fn succeeds
// and ctx is still live.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// Atomic serializes units of work. A panic in fn leaves the shared state
// untouched and propagates.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx borrow.Tx) error) error {
	return s.write(ctx, func(st *state) error {
		return fn(ctx, &tx{st: st})
	})
}

type tx struct {
	st *state
}

func (t *tx) LockBook(ctx context.Context, bookID int64) (borrow.BookAvailability, error) {
	b, ok := t.st.books[bookID]
	if !ok {
		return borrow.BookAvailability{}, common.BookNotFound(bookID)
	}
	return borrow.BookAvailability{BookID: b.ID, TotalCopies: b.TotalCopies, CopiesAvailable: b.CopiesAvailable}, nil
}

func (t *tx) SetCopiesAvailable(ctx context.Context, bookID int64, copies int) error {
	b, ok := t.st.books[bookID]
	if !ok {
		return common.BookNotFound(bookID)
	}
	if copies < 0 || copies > b.TotalCopies {
		return common.Persistence("set copies available", errCheckViolation)
	}
	b.CopiesAvailable = copies
	t.st.books[bookID] = b
	return nil
}

func (t *tx) CountActiveLoans(ctx context.Context, bookID, userID int64) (int, error) {
	n := 0
	for _, r := range t.st.borrows {
		if r.BookID == bookID && r.UserID == userID && r.Status == borrow.StatusActive {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertBorrow(ctx context.Context, rec borrow.BorrowRecord) (int64, error) {
	if _, ok := t.st.books[rec.BookID]; !ok {
		return 0, common.BookNotFound(rec.BookID)
	}
	if _, ok := t.st.users[rec.UserID]; !ok {
		return 0, common.UserNotFound(rec.UserID)
	}
	t.st.nextBorrow++
	rec.ID = t.st.nextBorrow
	t.st.borrows[rec.ID] = rec
	return rec.ID, nil
}

func (t *tx) LockBorrow(ctx context.Context, borrowID int64) (borrow.BorrowRecord, error) {
	r, ok := t.st.borrows[borrowID]
	if !ok {
		return borrow.BorrowRecord{}, common.BorrowRecordNotFound(borrowID)
	}
	return r, nil
}

func (t *tx) CompleteReturn(ctx context.Context, rec borrow.BorrowRecord) error {
	stored, ok := t.st.borrows[rec.ID]
	if !ok {
		return common.BorrowRecordNotFound(rec.ID)
	}
	stored.ReturnedAt = rec.ReturnedAt
	stored.Status = rec.Status
	stored.FineAmount = rec.FineAmount
	t.st.borrows[rec.ID] = stored
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, event ledger.Event) error {
	existing := t.st.events[event.AggregateID]
	for _, e := range existing {
		if e.AggregateType == event.AggregateType && e.Version == event.Version {
			return ledger.ErrConcurrencyConflict
		}
	}
	t.st.events[event.AggregateID] = append(slices.Clip(existing), event)
	return nil
}

// GetBorrowed returns matching records ordered by id, with display fields filled.
func (s *Store) GetBorrowed(ctx context.Context, filter borrow.Filter) ([]borrow.BorrowRecord, error) {
	var out []borrow.BorrowRecord
	err := s.read(ctx, func(st *state) error {
		for _, r := range st.borrows {
			if filter.UserID != nil && r.UserID != *filter.UserID {
				continue
			}
			if filter.BookID != nil && r.BookID != *filter.BookID {
				continue
			}
			out = append(out, st.enrich(r))
		}
		return nil
	})
	slices.SortFunc(out, func(a, b borrow.BorrowRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

func (s *Store) GetBorrowedByID(ctx context.Context, borrowID int64) (borrow.BorrowRecord, error) {
	var out borrow.BorrowRecord
	err := s.read(ctx, func(st *state) error {
		r, ok := st.borrows[borrowID]
		if !ok {
			return common.BorrowRecordNotFound(borrowID)
		}
		out = st.enrich(r)
		return nil
	})
	return out, err
}

func (s *Store) BorrowHistory(ctx context.Context, borrowID int64) ([]ledger.Event, error) {
	var out []ledger.Event
	err := s.read(ctx, func(st *state) error {
		out = slices.Clone(st.events[borrowID])
		return nil
	})
	slices.SortFunc(out, func(a, b ledger.Event) int { return cmp.Compare(a.Version, b.Version) })
	return out, err
}

func (st *state) enrich(r borrow.BorrowRecord) borrow.BorrowRecord {
	if u, ok := st.users[r.UserID]; ok {
		r.UserName = u.FullName
	}
	if b, ok := st.books[r.BookID]; ok {
		r.BookTitle = b.Title
		r.AuthorName = b.AuthorName
		r.CategoryName = b.CategoryName
	}
	return r
}

// InsertBook stores a new book with every copy available.
func (s *Store) InsertBook(ctx context.Context, book catalog.NewBook) (catalog.Book, error) {
	var out catalog.Book
	err := s.write(ctx, func(st *state) error {
		key := strings.ToLower(book.ISBN)
		if _, taken := st.isbns[key]; taken {
			return common.Conflict("isbn already exists")
		}
		st.nextBook++
		out = catalog.Book{
			ID:              st.nextBook,
			Title:           book.Title,
			ISBN:            book.ISBN,
			AuthorID:        st.facetID(catalog.FacetAuthor, book.AuthorName),
			AuthorName:      book.AuthorName,
			CategoryID:      st.facetID(catalog.FacetCategory, book.CategoryName),
			CategoryName:    book.CategoryName,
			PublishedYear:   book.PublishedYear,
			TotalCopies:     book.TotalCopies,
			CopiesAvailable: book.TotalCopies,
			CreatedAt:       s.now().UTC(),
		}
		st.books[out.ID] = out
		st.isbns[key] = out.ID
		return nil
	})
	return out, err
}

func (s *Store) GetBook(ctx context.Context, id int64) (catalog.Book, error) {
	var out catalog.Book
	err := s.read(ctx, func(st *state) error {
		b, ok := st.books[id]
		if !ok {
			return common.BookNotFound(id)
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Store) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	var out []catalog.Book
	err := s.read(ctx, func(st *state) error {
		out = slices.Collect(maps.Values(st.books))
		return nil
	})
	slices.SortFunc(out, func(a, b catalog.Book) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

// AddStock raises the total and the available count together.
func (s *Store) AddStock(ctx context.Context, id int64, quantity int) (catalog.Book, error) {
	var out catalog.Book
	err := s.write(ctx, func(st *state) error {
		b, ok := st.books[id]
		if !ok {
			return common.BookNotFound(id)
		}
		b.TotalCopies += quantity
		b.CopiesAvailable += quantity
		st.books[id] = b
		out = b
		return nil
	})
	return out, err
}

// UpdateBook applies the set fields and keeps the ISBN index in step.
func (s *Store) UpdateBook(ctx context.Context, id int64, upd catalog.BookUpdate) (catalog.Book, error) {
	var out catalog.Book
	err := s.write(ctx, func(st *state) error {
		b, ok := st.books[id]
		if !ok {
			return common.BookNotFound(id)
		}
		if upd.ISBN != nil {
			key := strings.ToLower(*upd.ISBN)
			if owner, taken := st.isbns[key]; taken && owner != id {
				return common.Conflict("isbn already exists")
			}
			delete(st.isbns, strings.ToLower(b.ISBN))
			st.isbns[key] = id
			b.ISBN = *upd.ISBN
		}
		if upd.Title != nil {
			b.Title = *upd.Title
		}
		if upd.AuthorName != nil {
			b.AuthorID = st.facetID(catalog.FacetAuthor, *upd.AuthorName)
			b.AuthorName = *upd.AuthorName
		}
		if upd.CategoryName != nil {
			b.CategoryID = st.facetID(catalog.FacetCategory, *upd.CategoryName)
			b.CategoryName = *upd.CategoryName
		}
		if upd.PublishedYear != nil {
			year := *upd.PublishedYear
			b.PublishedYear = &year
		}
		st.books[id] = b
		out = b
		return nil
	})
	return out, err
}

func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	return s.write(ctx, func(st *state) error {
		b, ok := st.books[id]
		if !ok {
			return common.BookNotFound(id)
		}
		if err := st.loansBlockDelete(func(r borrow.BorrowRecord) bool { return r.BookID == id },
			catalog.ErrActiveLoans, catalog.ErrLoanHistory); err != nil {
			return err
		}
		delete(st.books, id)
		delete(st.isbns, strings.ToLower(b.ISBN))
		return nil
	})
}

// loansBlockDelete returns active when a matching record is Active and history
// when only Returned ones match.
func (st *state) loansBlockDelete(match func(borrow.BorrowRecord) bool, active, history error) error {
	var found bool
	for _, r := range st.borrows {
		if !match(r) {
			continue
		}
		if r.Status == borrow.StatusActive {
			return active
		}
		found = true
	}
	if found {
		return history
	}
	return nil
}

// FindBooks returns the books matching q ordered by id.
func (s *Store) FindBooks(ctx context.Context, q catalog.Query) ([]catalog.Book, error) {
	text := strings.ToLower(q.Text)
	var out []catalog.Book
	err := s.read(ctx, func(st *state) error {
		for _, b := range st.books {
			switch {
			case q.AuthorID != nil && b.AuthorID != *q.AuthorID:
				continue
			case q.CategoryID != nil && b.CategoryID != *q.CategoryID:
				continue
			case q.Available != nil && *q.Available != (b.CopiesAvailable > 0):
				continue
			case text != "" && !matchesText(b, text):
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b catalog.Book) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

func matchesText(b catalog.Book, lower string) bool {
	for _, field := range []string{b.Title, b.ISBN, b.AuthorName, b.CategoryName} {
		if strings.Contains(strings.ToLower(field), lower) {
			return true
		}
	}
	return false
}

func (st *state) facets(kind catalog.FacetKind) (map[int64]catalog.Facet, *int64) {
	if kind == catalog.FacetCategory {
		return st.categories, &st.nextCategory
	}
	return st.authors, &st.nextAuthor
}

// facetID returns the id of the named author or category, creating it when
// absent. Names compare exactly, as under the Postgres unique constraint.
func (st *state) facetID(kind catalog.FacetKind, name string) int64 {
	m, next := st.facets(kind)
	for id, f := range m {
		if f.Name == name {
			return id
		}
	}
	*next++
	m[*next] = catalog.Facet{ID: *next, Name: name}
	return *next
}

func (s *Store) ListFacets(ctx context.Context, kind catalog.FacetKind) ([]catalog.Facet, error) {
	var out []catalog.Facet
	err := s.read(ctx, func(st *state) error {
		m, _ := st.facets(kind)
		out = slices.Collect(maps.Values(m))
		return nil
	})
	slices.SortFunc(out, func(a, b catalog.Facet) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

func (s *Store) InsertFacet(ctx context.Context, kind catalog.FacetKind, name string) (catalog.Facet, error) {
	var out catalog.Facet
	err := s.write(ctx, func(st *state) error {
		m, _ := st.facets(kind)
		for _, f := range m {
			if f.Name == name {
				return common.Conflict("name already exists")
			}
		}
		out = m[st.facetID(kind, name)]
		return nil
	})
	return out, err
}

// RenameFacet renames the entry and the denormalized name on its books.
func (s *Store) RenameFacet(ctx context.Context, kind catalog.FacetKind, id int64, name string) (catalog.Facet, error) {
	var out catalog.Facet
	err := s.write(ctx, func(st *state) error {
		m, _ := st.facets(kind)
		if _, ok := m[id]; !ok {
			return common.NotFound("not found")
		}
		for other, f := range m {
			if other != id && f.Name == name {
				return common.Conflict("name already exists")
			}
		}
		out = catalog.Facet{ID: id, Name: name}
		m[id] = out
		for bookID, b := range st.books {
			switch {
			case kind == catalog.FacetAuthor && b.AuthorID == id:
				b.AuthorName = name
			case kind == catalog.FacetCategory && b.CategoryID == id:
				b.CategoryName = name
			default:
				continue
			}
			st.books[bookID] = b
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteFacet(ctx context.Context, kind catalog.FacetKind, id int64) error {
	return s.write(ctx, func(st *state) error {
		m, _ := st.facets(kind)
		if _, ok := m[id]; !ok {
			return common.NotFound("not found")
		}
		for _, b := range st.books {
			if (kind == catalog.FacetAuthor && b.AuthorID == id) || (kind == catalog.FacetCategory && b.CategoryID == id) {
				return common.Conflict("facet is referenced by books")
			}
		}
		delete(m, id)
		return nil
	})
}

func (s *Store) CreateUser(ctx context.Context, user users.User, cred users.Credential) (users.User, error) {
	err := s.write(ctx, func(st *state) error {
		if _, taken := st.emails[user.Email]; taken {
			return common.Conflict("email already exists")
		}
		st.nextUser++
		user.ID = st.nextUser
		user.CreatedAt = s.now().UTC()
		cred.UserID = user.ID
		st.users[user.ID] = user
		st.creds[user.ID] = cred
		st.emails[user.Email] = user.ID
		return nil
	})
	if err != nil {
		return users.User{}, err
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (users.User, users.Credential, error) {
	var (
		u users.User
		c users.Credential
	)
	err := s.read(ctx, func(st *state) error {
		id, ok := st.emails[email]
		if !ok {
			return common.UserNotFound(0)
		}
		u, c = st.users[id], st.creds[id]
		return nil
	})
	return u, c, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (users.User, error) {
	var out users.User
	err := s.read(ctx, func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return common.UserNotFound(id)
		}
		out = u
		return nil
	})
	return out, err
}

func (s *Store) ListUsers(ctx context.Context) ([]users.User, error) {
	var out []users.User
	err := s.read(ctx, func(st *state) error {
		out = slices.Collect(maps.Values(st.users))
		return nil
	})
	slices.SortFunc(out, func(a, b users.User) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

// UpdateUser replaces name, email and phone and keeps the email index in step.
func (s *Store) UpdateUser(ctx context.Context, user users.User) (users.User, error) {
	var out users.User
	err := s.write(ctx, func(st *state) error {
		stored, ok := st.users[user.ID]
		if !ok {
			return common.UserNotFound(user.ID)
		}
		if owner, taken := st.emails[user.Email]; taken && owner != user.ID {
			return common.Conflict("email already exists")
		}
		delete(st.emails, stored.Email)
		st.emails[user.Email] = user.ID
		stored.FullName, stored.Email, stored.Phone = user.FullName, user.Email, user.Phone
		st.users[user.ID] = stored
		out = stored
		return nil
	})
	return out, err
}

func (s *Store) GetCredential(ctx context.Context, userID int64) (users.Credential, error) {
	var out users.Credential
	err := s.read(ctx, func(st *state) error {
		c, ok := st.creds[userID]
		if !ok {
			return common.UserNotFound(userID)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) SetCredential(ctx context.Context, cred users.Credential) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.creds[cred.UserID]; !ok {
			return common.UserNotFound(cred.UserID)
		}
		st.creds[cred.UserID] = cred
		return nil
	})
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.write(ctx, func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return common.UserNotFound(id)
		}
		if err := st.loansBlockDelete(func(r borrow.BorrowRecord) bool { return r.UserID == id },
			users.ErrActiveLoans, users.ErrLoanHistory); err != nil {
			return err
		}
		delete(st.users, id)
		delete(st.creds, id)
		delete(st.emails, u.Email)
		return nil
	})
}
