// Package scheduler runs periodic background jobs such as panel sync.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/logging"
)

// Scheduler wraps a gocron scheduler. Jobs never overlap with themselves: a
// tick that arrives while the previous run is busy is skipped.
type Scheduler struct {
	sched  gocron.Scheduler
	logger *logrus.Entry
}

// New creates a stopped scheduler.
func New(logger *logrus.Entry, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Logger()
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{sched: sched, logger: logger}, nil
}

// Every registers fn to run each interval. ctx is passed to every run.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return errors.New("job interval must be greater than 0")
	}
	if fn == nil {
		return errors.New("job func is required")
	}

	log := s.logger.WithField("job", name)
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := fn(ctx); err != nil {
				log.WithFields(logrus.Fields{
					"event": "job_failed",
					"error": err.Error(),
				}).Warn("scheduled job failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	log.WithFields(logrus.Fields{
		"event":    "job_scheduled",
		"interval": interval.String(),
	}).Info("job scheduled")
	return nil
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
