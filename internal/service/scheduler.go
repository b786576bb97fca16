package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic subscription jobs.
type Scheduler struct {
	cron     *cron.Cron
	subs     *SubscriptionService
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that runs the expiry sweep on schedule
// (standard five-field cron syntax or a descriptor such as "@every 15m").
func NewScheduler(subs *SubscriptionService, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		subs:     subs,
		schedule: schedule,
		timeout:  2 * time.Minute,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ExpireSubscriptions); err != nil {
		return err
	}
	s.logger.Info("scheduled subscription expiry job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ExpireSubscriptions moves lapsed active subscriptions to expired.
func (s *Scheduler) ExpireSubscriptions() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.subs.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("subscription expiry failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired subscriptions", "count", n)
	}
}
