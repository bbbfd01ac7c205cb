// internal/consistency/checker.go
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metric is a measurable property of the stored loan state.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
	// Informational metrics are observed and exported but never violate.
	Informational bool
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Report captures one audit run.
type Report struct {
	StartTime    time.Time          `json:"start_time"`
	EndTime      time.Time          `json:"end_time"`
	Duration     time.Duration      `json:"duration"`
	Healthy      bool               `json:"healthy"`
	Observations map[string]float64 `json:"observations"`
	Violations   []MetricViolation  `json:"violations"`
	ErrorEvents  []ErrorEvent       `json:"error_events"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Operator   string    `json:"operator"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Metric    string    `json:"metric"`
}

// ErrUnhealthy marks a report with violations or failed queries.
var ErrUnhealthy = errors.New("consistency check found violations")

// Checker evaluates a fixed set of metrics against their thresholds.
type Checker struct {
	metrics []Metric
	logger  *slog.Logger
	tracer  trace.Tracer
	gauge   metric.Float64Gauge
	now     func() time.Time
}

func NewChecker(metrics []Metric, logger *slog.Logger) (*Checker, error) {
	gauge, err := otel.Meter("bookloans/consistency").Float64Gauge(
		"bookloans.consistency.value",
		metric.WithDescription("Latest value of each consistency metric"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gauge: %w", err)
	}
	return &Checker{
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("bookloans/consistency"),
		gauge:   gauge,
		now:     time.Now,
	}, nil
}

// Run samples every metric once. A failing query is recorded as an error
// event and makes the report unhealthy; it does not abort the run.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	ctx, span := c.tracer.Start(ctx, "consistency.run",
		trace.WithAttributes(attribute.Int("metrics", len(c.metrics))),
	)
	defer span.End()

	report := &Report{
		StartTime:    c.now(),
		Observations: make(map[string]float64, len(c.metrics)),
		Violations:   make([]MetricViolation, 0),
		ErrorEvents:  make([]ErrorEvent, 0),
	}

	for _, m := range c.metrics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := m.Query(ctx)
		if err != nil {
			span.RecordError(err)
			report.ErrorEvents = append(report.ErrorEvents, ErrorEvent{
				Timestamp: c.now(),
				Error:     err.Error(),
				Metric:    m.Name,
			})
			c.logger.ErrorContext(ctx, "consistency metric failed", "metric", m.Name, "error", err)
			continue
		}

		report.Observations[m.Name] = value
		c.gauge.Record(ctx, value, metric.WithAttributes(attribute.String("metric", m.Name)))

		if m.Informational || evaluateThreshold(value, m.Threshold) {
			continue
		}
		report.Violations = append(report.Violations, MetricViolation{
			MetricName: m.Name,
			Operator:   m.Threshold.Operator,
			Expected:   m.Threshold.Value,
			Actual:     value,
			Timestamp:  c.now(),
		})
		c.logger.WarnContext(ctx, "consistency violation",
			"metric", m.Name,
			"expected", fmt.Sprintf("%s %g", m.Threshold.Operator, m.Threshold.Value),
			"actual", value,
		)
	}

	report.EndTime = c.now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	report.Healthy = len(report.Violations) == 0 && len(report.ErrorEvents) == 0

	span.SetAttributes(
		attribute.Bool("healthy", report.Healthy),
		attribute.Int("violations", len(report.Violations)),
	)
	c.logger.InfoContext(ctx, "consistency check finished",
		"healthy", report.Healthy,
		"violations", len(report.Violations),
		"errors", len(report.ErrorEvents),
		"duration", report.Duration,
	)
	return report, nil
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
