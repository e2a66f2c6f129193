package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/username/landlordly/backend/src/logger"
)

// SyncAller runs one incremental sync per enabled account. *SyncService satisfies it.
type SyncAller interface {
	SyncAllEnabled(ctx context.Context) (int, error)
}

// SyncScheduler triggers SyncAllEnabled on a cron schedule. A tick is skipped while the
// previous one is still running.
type SyncScheduler struct {
	ctx      context.Context
	cron     *cron.Cron
	schedule string
	timezone string
}

// NewSyncScheduler returns nil, nil when schedule is empty, meaning scheduled sync is off.
// An unknown timezone falls back to UTC.
func NewSyncScheduler(ctx context.Context, syncer SyncAller, schedule, timezone string) (*SyncScheduler, error) {
	if schedule == "" {
		logger.FromContext(ctx).Info("Scheduled sync disabled: SYNC_SCHEDULE is empty")
		return nil, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.FromContext(ctx).Warn("Invalid SYNC_TIMEZONE, falling back to UTC", "timezone", timezone, "error", err)
		loc = time.UTC
		timezone = "UTC"
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err = c.AddFunc(schedule, func() {
		log := logger.FromContext(ctx).With("job", "scheduled_sync")
		log.Info("Starting scheduled sync", "at", time.Now().In(loc).Format(time.RFC3339))
		n, err := syncer.SyncAllEnabled(logger.WithContext(ctx, log))
		if err != nil {
			log.Error("Scheduled sync failed", "error", err)
			return
		}
		log.Info("Scheduled sync completed", "accounts", n)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to schedule sync %q: %w", schedule, err)
	}
	return &SyncScheduler{ctx: ctx, cron: c, schedule: schedule, timezone: timezone}, nil
}

func (s *SyncScheduler) Start() {
	s.cron.Start()
	logger.FromContext(s.ctx).Info("Sync scheduler started", "schedule", s.schedule, "timezone", s.timezone)
}

// Stop prevents further ticks and waits for a running tick to finish. It returns
// ctx.Err() when ctx ends first.
func (s *SyncScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.FromContext(s.ctx).Info("Sync scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
