// internal/borrow/implementation.go
package borrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bookloans/internal/access"
	"bookloans/internal/common"
	"bookloans/internal/ledger"
)

// AggregateType names borrow records in the ledger.
const AggregateType = "borrow"

// service implements the Service interface. It keeps no state between calls:
// every counter and record lives behind the gateway.
type service struct {
	gateway           Gateway
	policy            FinePolicy
	preventDuplicates bool
	now               func() time.Time
	logger            *slog.Logger
	tracer            trace.Tracer

	borrowed metric.Int64Counter
	returned metric.Int64Counter
	fined    metric.Int64Counter
}

// Option configures the service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithDuplicateGuard rejects a borrow when the user already holds an active
// loan of the same book.
func WithDuplicateGuard(enabled bool) Option {
	return func(s *service) {
		s.preventDuplicates = enabled
	}
}

// NewService creates a new borrow service instance.
func NewService(gateway Gateway, policy FinePolicy, opts ...Option) Service {
	s := &service{
		gateway: gateway,
		policy:  policy,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("bookloans/borrow"),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("bookloans/borrow")
	var err error
	if s.borrowed, err = meter.Int64Counter("borrow.books_borrowed", metric.WithDescription("Successful borrows")); err != nil {
		otel.Handle(err)
	}
	if s.returned, err = meter.Int64Counter("borrow.books_returned", metric.WithDescription("Successful returns")); err != nil {
		otel.Handle(err)
	}
	if s.fined, err = meter.Int64Counter("borrow.fines_cents", metric.WithDescription("Fines charged, in cents"), metric.WithUnit("{cent}")); err != nil {
		otel.Handle(err)
	}

	return s
}

// BorrowBook checks availability and takes one copy in a single unit of work.
func (s *service) BorrowBook(ctx context.Context, bookID, userID int64) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.borrow_book",
		trace.WithAttributes(
			attribute.Int64("book.id", bookID),
			attribute.Int64("user.id", userID),
		),
	)
	defer span.End()

	if bookID <= 0 {
		return nil, s.fail(ctx, span, "borrow book", common.Validation("bookId", "Invalid BookId"))
	}
	if userID <= 0 {
		return nil, s.fail(ctx, span, "borrow book", common.Validation("userId", "Invalid UserId"))
	}

	var rec BorrowRecord
	err := s.gateway.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.CopiesAvailable <= 0 {
			return common.NoCopiesAvailable(bookID)
		}

		if s.preventDuplicates {
			active, err := tx.CountActiveLoans(ctx, bookID, userID)
			if err != nil {
				return err
			}
			if active > 0 {
				return common.Conflict("User already has an active loan of this book.")
			}
		}

		now := s.now().UTC()
		rec = BorrowRecord{
			BookID:     bookID,
			UserID:     userID,
			BorrowedAt: now,
			DueDate:    s.policy.DueDate(now),
			Status:     StatusActive,
		}

		id, err := tx.InsertBorrow(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id

		if err := tx.SetCopiesAvailable(ctx, bookID, book.CopiesAvailable-1); err != nil {
			return err
		}

		event, err := ledger.NewEvent(AggregateType, id, EventBookBorrowed, 1, BookBorrowedEvent{
			BorrowID:   id,
			BookID:     bookID,
			UserID:     userID,
			BorrowedAt: rec.BorrowedAt,
			DueDate:    rec.DueDate,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, s.fail(ctx, span, "borrow book", err)
	}

	s.borrowed.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("borrow.id", rec.ID))
	s.logger.InfoContext(ctx, "book borrowed",
		"borrow_id", rec.ID, "book_id", bookID, "user_id", userID, "due_date", rec.DueDate)

	return &rec, nil
}

// ReturnBook closes an active loan, computes its fine and puts the copy back.
func (s *service) ReturnBook(ctx context.Context, borrowID int64, requester access.Identity) (common.Money, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.return_book",
		trace.WithAttributes(
			attribute.Int64("borrow.id", borrowID),
			attribute.Int64("requester.id", requester.UserID),
			attribute.String("requester.role", string(requester.Role)),
		),
	)
	defer span.End()

	if borrowID <= 0 {
		return 0, s.fail(ctx, span, "return book", common.Validation("borrowId", "Invalid BorrowId"))
	}

	var rec BorrowRecord
	err := s.gateway.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rec, err = tx.LockBorrow(ctx, borrowID)
		if err != nil {
			return err
		}
		if err := access.Authorize(requester, access.ReturnRecord, rec.UserID); err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return common.AlreadyReturned(borrowID)
		}

		book, err := tx.LockBook(ctx, rec.BookID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		rec.ReturnedAt = &now
		rec.Status = StatusReturned
		rec.FineAmount = s.policy.Fine(rec.DueDate, now)

		if err := tx.CompleteReturn(ctx, rec); err != nil {
			return err
		}

		copies := book.CopiesAvailable + 1
		if copies > book.TotalCopies {
			s.logger.WarnContext(ctx, "copies available would exceed total, capping",
				"book_id", book.BookID, "total_copies", book.TotalCopies, "copies_available", book.CopiesAvailable)
			copies = book.TotalCopies
		}
		if err := tx.SetCopiesAvailable(ctx, rec.BookID, copies); err != nil {
			return err
		}

		event, err := ledger.NewEvent(AggregateType, borrowID, EventBookReturned, 2, BookReturnedEvent{
			BorrowID:   borrowID,
			BookID:     rec.BookID,
			UserID:     rec.UserID,
			ReturnedBy: requester.UserID,
			ReturnedAt: now,
			FineAmount: rec.FineAmount,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			if errors.Is(err, ledger.ErrConcurrencyConflict) {
				return common.AlreadyReturned(borrowID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, s.fail(ctx, span, "return book", err)
	}

	s.returned.Add(ctx, 1)
	if rec.FineAmount > 0 {
		s.fined.Add(ctx, int64(rec.FineAmount))
	}
	span.SetAttributes(attribute.String("fine.amount", rec.FineAmount.String()))
	s.logger.InfoContext(ctx, "book returned",
		"borrow_id", borrowID, "book_id", rec.BookID, "user_id", rec.UserID, "fine", rec.FineAmount.String())

	return rec.FineAmount, nil
}

// GetBorrowedBooks lists every record, or one user's records when userID is set.
func (s *service) GetBorrowedBooks(ctx context.Context, userID *int64) ([]BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.get_borrowed_books")
	defer span.End()

	return s.list(ctx, span, "get borrowed books", Filter{UserID: userID})
}

func (s *service) GetBorrowedBookByID(ctx context.Context, borrowID int64) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.get_borrowed_book",
		trace.WithAttributes(attribute.Int64("borrow.id", borrowID)),
	)
	defer span.End()

	if borrowID <= 0 {
		return nil, s.fail(ctx, span, "get borrowed book", common.Validation("borrowId", "Invalid BorrowId"))
	}

	rec, err := s.gateway.GetBorrowedByID(ctx, borrowID)
	if err != nil {
		return nil, s.fail(ctx, span, "get borrowed book", err)
	}
	return &rec, nil
}

func (s *service) FilterBorrowedBooks(ctx context.Context, userID, bookID *int64) ([]BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.filter_borrowed_books")
	defer span.End()

	return s.list(ctx, span, "filter borrowed books", Filter{UserID: userID, BookID: bookID})
}

// BorrowHistory returns the ledger events of one record. An unknown id is
// reported as BorrowRecordNotFound rather than an empty history.
func (s *service) BorrowHistory(ctx context.Context, borrowID int64) ([]ledger.Event, error) {
	ctx, span := s.tracer.Start(ctx, "borrow.history",
		trace.WithAttributes(attribute.Int64("borrow.id", borrowID)),
	)
	defer span.End()

	if borrowID <= 0 {
		return nil, s.fail(ctx, span, "borrow history", common.Validation("borrowId", "Invalid BorrowId"))
	}

	events, err := s.gateway.BorrowHistory(ctx, borrowID)
	if err != nil {
		return nil, s.fail(ctx, span, "borrow history", err)
	}
	if len(events) == 0 {
		return nil, s.fail(ctx, span, "borrow history", common.BorrowRecordNotFound(borrowID))
	}
	return events, nil
}

func (s *service) list(ctx context.Context, span trace.Span, op string, filter Filter) ([]BorrowRecord, error) {
	if filter.UserID != nil {
		span.SetAttributes(attribute.Int64("filter.user_id", *filter.UserID))
	}
	if filter.BookID != nil {
		span.SetAttributes(attribute.Int64("filter.book_id", *filter.BookID))
	}

	records, err := s.gateway.GetBorrowed(ctx, filter)
	if err != nil {
		return nil, s.fail(ctx, span, op, err)
	}
	if records == nil {
		records = []BorrowRecord{}
	}
	span.SetAttributes(attribute.Int("records.count", len(records)))
	return records, nil
}

// fail passes business errors through and turns anything else into a
// Persistence error after logging the cause.
func (s *service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	if de, ok := common.AsDomain(err); ok && de.Kind != common.KindPersistence {
		span.SetAttributes(attribute.String("error.kind", de.Kind.String()))
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	s.logger.ErrorContext(ctx, "borrow operation failed", "op", op, "error", err)

	if de, ok := common.AsDomain(err); ok {
		return de
	}
	return common.Persistence(op, err)
}
