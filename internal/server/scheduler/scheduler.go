// Package scheduler fires maintenance jobs on cron-like schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wpfleet/mailvault/internal/logging"
)

// Scheduler runs callbacks on cron specs.
type Scheduler interface {
	Schedule(spec string, fn func()) error
	Start()
	// Stop prevents new runs and returns a context that is done once
	// running jobs have finished.
	Stop() context.Context
}

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// CronScheduler implements Scheduler with robfig/cron. Overlapping runs of
// the same job are skipped and panics are recovered.
type CronScheduler struct {
	c *cron.Cron
}

func NewCronScheduler() *CronScheduler {
	return &CronScheduler{
		c: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
	}
}

func (s *CronScheduler) Schedule(spec string, fn func()) error {
	if _, err := s.c.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

func (s *CronScheduler) Start() {
	s.c.Start()
}

func (s *CronScheduler) Stop() context.Context {
	return s.c.Stop()
}

// Register schedules job under spec. Every run gets a fresh context derived
// from ctx, bounded by timeout when it is positive. Errors are logged and
// never stop the schedule.
func Register(ctx context.Context, s Scheduler, logger logging.Logger, name, spec string, timeout time.Duration, job Job) error {
	log := logger.With("job", name)

	return s.Schedule(spec, func() {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		started := time.Now()
		log.Info(runCtx, "scheduled job started")
		if err := job(runCtx); err != nil {
			log.Error(runCtx, "scheduled job finished with errors", "error", err, "elapsed", time.Since(started))
			return
		}
		log.Info(runCtx, "scheduled job finished", "elapsed", time.Since(started))
	})
}
