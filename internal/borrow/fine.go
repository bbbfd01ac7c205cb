package borrow

import (
	"time"

	"bookloans/internal/common"
)

const day = 24 * time.Hour

// FinePolicy fixes the loan period and the late fee charged per whole day overdue.
type FinePolicy struct {
	LoanPeriod time.Duration
	PerDay     common.Money
}

func (p FinePolicy) DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(p.LoanPeriod)
}

// DaysLate counts whole 24h periods elapsed after due. Partial days are not charged.
func (p FinePolicy) DaysLate(due, returnedAt time.Time) int64 {
	if !returnedAt.After(due) {
		return 0
	}
	return int64(returnedAt.Sub(due) / day)
}

func (p FinePolicy) Fine(due, returnedAt time.Time) common.Money {
	return common.Money(p.DaysLate(due, returnedAt)) * p.PerDay
}
