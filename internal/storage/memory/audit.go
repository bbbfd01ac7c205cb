package memory

import (
	"context"
	"errors"
	"time"

	"bookloans/internal/borrow"
)

var errCheckViolation = errors.New("copies_available out of range [0, total_copies]")

// CountAvailabilityOutOfRange counts books whose available count is negative or
// above the total.
func (s *Store) CountAvailabilityOutOfRange(ctx context.Context) (int64, error) {
	var n int64
	err := s.read(ctx, func(st *state) error {
		for _, b := range st.books {
			if b.CopiesAvailable < 0 || b.CopiesAvailable > b.TotalCopies {
				n++
			}
		}
		return nil
	})
	return n, err
}

// CountAvailabilityDrift counts books where the copies out on loan differ from
// the number of active records.
func (s *Store) CountAvailabilityDrift(ctx context.Context) (int64, error) {
	var n int64
	err := s.read(ctx, func(st *state) error {
		active := make(map[int64]int, len(st.books))
		for _, r := range st.borrows {
			if r.Status == borrow.StatusActive {
				active[r.BookID]++
			}
		}
		for id, b := range st.books {
			if b.TotalCopies-b.CopiesAvailable != active[id] {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CountOverdueActiveLoans(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.read(ctx, func(st *state) error {
		for _, r := range st.borrows {
			if r.Status == borrow.StatusActive && r.DueDate.Before(now) {
				n++
			}
		}
		return nil
	})
	return n, err
}
