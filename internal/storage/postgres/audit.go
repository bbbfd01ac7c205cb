package postgres

import (
	"context"
	"time"
)

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, mapError(op, err)
	}
	return n, nil
}

func (s *Store) CountAvailabilityOutOfRange(ctx context.Context) (int64, error) {
	return s.count(ctx, "count availability out of range", `
		SELECT COUNT(*) FROM books
		WHERE copies_available < 0 OR copies_available > total_copies
	`)
}

// CountAvailabilityDrift counts books whose copies on loan differ from their
// active borrow records.
func (s *Store) CountAvailabilityDrift(ctx context.Context) (int64, error) {
	return s.count(ctx, "count availability drift", `
		SELECT COUNT(*)
		FROM books b
		LEFT JOIN (
			SELECT book_id, COUNT(*) AS active
			FROM borrowed_books
			WHERE status = 'Active'
			GROUP BY book_id
		) l ON l.book_id = b.book_id
		WHERE b.total_copies - b.copies_available <> COALESCE(l.active, 0)
	`)
}

func (s *Store) CountOverdueActiveLoans(ctx context.Context, now time.Time) (int64, error) {
	return s.count(ctx, "count overdue active loans", `
		SELECT COUNT(*) FROM borrowed_books
		WHERE status = 'Active' AND due_date < $1
	`, now)
}
