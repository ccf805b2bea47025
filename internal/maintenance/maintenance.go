// Package maintenance schedules the periodic purge of expired security state.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/params"
)

type Cleanable interface {
	Cleanup() int
}

type BlacklistPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type EventArchive interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner runs the purge jobs on a cron schedule. Nil dependencies disable
// the matching job.
type Cleaner struct {
	cron      *cron.Cron
	clock     clock.Clock
	storage   Cleanable
	blacklist BlacklistPurger
	archive   EventArchive
	retention time.Duration
	schedule  string
}

type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, mostly for tests.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

func WithStorage(storage Cleanable) Option {
	return func(cleaner *Cleaner) {
		cleaner.storage = storage
	}
}

func WithBlacklist(blacklist BlacklistPurger) Option {
	return func(cleaner *Cleaner) {
		cleaner.blacklist = blacklist
	}
}

// WithEventRetention deletes archived threat events older than retention.
func WithEventRetention(archive EventArchive, retention time.Duration) Option {
	return func(cleaner *Cleaner) {
		if retention > 0 {
			cleaner.archive = archive
			cleaner.retention = retention
		}
	}
}

func (c *Cleaner) enabled() bool {
	return c.storage != nil || c.blacklist != nil || c.archive != nil
}

// Start registers the cleanup job and launches the scheduler when at least one
// purge is configured.
func (c *Cleaner) Start() error {
	if !c.enabled() {
		return nil
	}
	_, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			slog.Warn("Maintenance run failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

// RunOnce executes every configured purge and collects their errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error
	if c.storage != nil {
		if n := c.storage.Cleanup(); n > 0 {
			slog.Debug("Removed expired storage entries", "count", n)
		}
	}
	if c.blacklist != nil {
		n, err := c.blacklist.PurgeExpired(ctx)
		errs = multierr.Append(errs, err)
		if n > 0 {
			slog.Info("Purged expired blacklist entries", "count", n)
		}
	}
	if c.archive != nil {
		n, err := c.archive.DeleteBefore(ctx, c.clock.Now().Add(-c.retention))
		errs = multierr.Append(errs, err)
		if n > 0 {
			slog.Info("Deleted archived threat events", "count", n, "retention", c.retention)
		}
	}
	return errs
}

func NewCleaner(clk clock.Clock, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		clock:    clk,
		schedule: params.MaintenanceSchedule,
	}
	for _, opt := range opts {
		opt(cleaner)
	}
	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}
