// internal/consistency/metrics.go
package consistency

import (
	"context"
	"time"
)

// Source exposes the counting queries both storage backends implement.
type Source interface {
	CountAvailabilityOutOfRange(ctx context.Context) (int64, error)
	CountAvailabilityDrift(ctx context.Context) (int64, error)
	CountOverdueActiveLoans(ctx context.Context, now time.Time) (int64, error)
}

const (
	MetricAvailabilityOutOfRange = "availability_out_of_range"
	MetricAvailabilityDrift      = "availability_drift"
	MetricOverdueActiveLoans     = "overdue_active_loans"
)

// StandardMetrics returns the metrics for the copy accounting invariants plus
// the overdue loan count.
func StandardMetrics(src Source, now func() time.Time) []Metric {
	return []Metric{
		{
			Name:      MetricAvailabilityOutOfRange,
			Query:     asFloat(src.CountAvailabilityOutOfRange),
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      MetricAvailabilityDrift,
			Query:     asFloat(src.CountAvailabilityDrift),
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: MetricOverdueActiveLoans,
			Query: asFloat(func(ctx context.Context) (int64, error) {
				return src.CountOverdueActiveLoans(ctx, now())
			}),
			Informational: true,
		},
	}
}

func asFloat(q func(context.Context) (int64, error)) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		n, err := q(ctx)
		return float64(n), err
	}
}
