// internal/consistency/scheduler.go
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a Checker on a five-field cron schedule.
type Scheduler struct {
	checker *Checker
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	running bool

	lastMu sync.Mutex
	last   *Report
}

func NewScheduler(checker *Checker, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		checker: checker,
		logger:  logger,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		timeout: time.Minute,
	}
}

// ValidateSchedule reports whether schedule parses as a five-field cron expression
// or a descriptor such as @hourly.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	return nil
}

// Start registers the job and starts the cron loop. It stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule audit %q: %w", schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("consistency audit scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for a running check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("consistency audit stopped")
}

// Last returns the most recent report, or nil before the first run.
func (s *Scheduler) Last() *Report {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

func (s *Scheduler) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	report, err := s.checker.Run(ctx)
	if err != nil {
		s.logger.Error("consistency audit aborted", "error", err)
		return
	}
	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()
}
