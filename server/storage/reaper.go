package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReaperSchedule runs the reaper every minute.
const DefaultReaperSchedule = "@every 1m"

// Reaper periodically purges expired locks and tickets from a store.
type Reaper struct {
	store   *Store
	cron    *cron.Cron
	timeout time.Duration
}

// NewReaper schedules PurgeExpired on store with a cron spec such as
// "*/5 * * * *" or "@every 30s".
func NewReaper(store *Store, schedule string) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	r := &Reaper{
		store:   store,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
	}
	if _, err := r.cron.AddFunc(schedule, r.Run); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule in its own goroutine.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule. The returned context is done once a running
// purge has finished.
func (r *Reaper) Stop() context.Context { return r.cron.Stop() }

// Run performs one purge.
func (r *Reaper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	stats, err := r.store.PurgeExpired(ctx)
	if err != nil {
		r.store.logger.Error("reaper purge failed", "error", err)
		return
	}
	r.store.logger.Debug("reaper purge finished", "locks", stats.Locks, "tickets", stats.Tickets)
}
