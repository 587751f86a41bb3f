package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lock-code-manager/backend/internal/logging"
)

// Scheduler periodically re-evaluates every slot so time windows and date
// ranges take effect without a configuration change.
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	tick     func(ctx context.Context)
	logger   *logging.Logger
}

// NewScheduler creates a scheduler that calls tick on schedule, a six-field
// cron expression with seconds, evaluated in loc.
func NewScheduler(schedule string, loc *time.Location, tick func(ctx context.Context), logger *logging.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		schedule: schedule,
		tick:     tick,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers the job and begins running it.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.tick(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling re-evaluation %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
