// Package reminder delivers due reminders for saved detections and
// prunes captures past the retention window.
package reminder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"spotter/internal/imagefile"
	"spotter/internal/store"
)

// Notifier delivers a reminder to the user. det carries the saved
// detection the reminder is attached to.
type Notifier interface {
	Notify(ctx context.Context, rem *store.ReminderRecord, det *store.DetectionWithLocation) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, rem *store.ReminderRecord, det *store.DetectionWithLocation) error

func (f NotifierFunc) Notify(ctx context.Context, rem *store.ReminderRecord, det *store.DetectionWithLocation) error {
	return f(ctx, rem, det)
}

// Options tunes the scheduler loop.
type Options struct {
	// PollInterval is how often due reminders are checked. Zero means
	// 30 seconds.
	PollInterval time.Duration
	// Retention is how long captures are kept before the cleanup pass
	// removes them. Zero disables cleanup.
	Retention time.Duration
	// CleanupEvery is how many polls pass between cleanup sweeps. Zero
	// means every 20 polls.
	CleanupEvery int
}

// Scheduler polls the store for due reminders, delivers them and
// reschedules recurring ones. It also runs the retention cleanup.
type Scheduler struct {
	store    *store.Store
	files    *imagefile.Manager
	notifier Notifier
	clk      clock.Clock
	logger   *log.Logger
	opts     Options
}

// NewScheduler builds a scheduler. clk may be nil for wall time.
func NewScheduler(st *store.Store, files *imagefile.Manager, notifier Notifier, clk clock.Clock, logger *log.Logger, opts Options) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = 20
	}
	return &Scheduler{store: st, files: files, notifier: notifier, clk: clk, logger: logger, opts: opts}
}

// Run polls until ctx is cancelled. It always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.clk.Now()
			if err := s.sweep(ctx, now); err != nil {
				s.logger.Printf("[Reminder] sweep failed: %v", err)
			}
			polls++
			if s.opts.Retention > 0 && polls%s.opts.CleanupEvery == 0 {
				if err := s.cleanup(ctx, now); err != nil {
					s.logger.Printf("[Reminder] cleanup failed: %v", err)
				}
			}
		}
	}
}

// sweep delivers every reminder due at now. Delivery failures leave the
// reminder untouched so the next poll retries it.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) error {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load due reminders: %w", err)
	}

	for _, rem := range due {
		det, err := s.store.GetDetection(ctx, rem.DetectionID)
		if err != nil {
			s.logger.Printf("[Reminder] failed to load detection %s: %v", rem.DetectionID, err)
			continue
		}
		if det == nil {
			// Detection gone but the reminder survived; retire it.
			s.logger.Printf("[Reminder] cancelling orphaned reminder %s", rem.ID)
			if err := s.store.CancelReminder(ctx, rem.ID); err != nil {
				s.logger.Printf("[Reminder] failed to cancel %s: %v", rem.ID, err)
			}
			continue
		}

		if err := s.notifier.Notify(ctx, rem, det); err != nil {
			s.logger.Printf("[Reminder] delivery failed for %s: %v", rem.ID, err)
			continue
		}

		if next := rem.Recurrence.Next(now, rem.RecurrenceInterval); !next.IsZero() {
			err = s.store.RescheduleReminder(ctx, rem.ID, next, now)
		} else {
			err = s.store.MarkTriggered(ctx, rem.ID, now)
		}
		if err != nil {
			s.logger.Printf("[Reminder] failed to finalize %s: %v", rem.ID, err)
		}
	}
	return nil
}

// cleanup removes captures older than the retention window together
// with their image files. Reminders go with them via the cascade.
func (s *Scheduler) cleanup(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.opts.Retention)
	old, err := s.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired captures: %w", err)
	}

	removed := 0
	for _, det := range old {
		if s.files != nil {
			if err := s.files.Delete(det.ImagePath, det.ThumbnailPath); err != nil {
				s.logger.Printf("[Reminder] failed to delete media for %s: %v", det.ID, err)
			}
		}
		if err := s.store.DeleteDetection(ctx, det.ID); err != nil {
			s.logger.Printf("[Reminder] failed to delete %s: %v", det.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Printf("[Reminder] cleanup removed %d captures older than %s", removed, s.opts.Retention)
	}

	if s.files != nil {
		if n, err := s.files.SweepOrphanThumbnails(); err != nil {
			s.logger.Printf("[Reminder] thumbnail sweep failed: %v", err)
		} else if n > 0 {
			s.logger.Printf("[Reminder] removed %d orphaned thumbnails", n)
		}
	}
	return nil
}
