// Package pipeline holds the scheduled background jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

const (
	archiveLockKey = "archive:alert_triggers"
	archiveLockTTL = 30 * time.Minute
)

// Archiver periodically moves trigger history older than the retention
// window to cold storage. A distributed lock keeps concurrent instances from
// archiving the same rows.
type Archiver struct {
	blobArchiver  domain.Archiver
	locks         domain.LockManager
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. locks may be nil for a single instance.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		locks:         locks,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce archives everything older than the retention cutoff. It returns
// nil without archiving when another instance holds the lock.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveTriggers(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive triggers before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("triggers_archived", n))
	return n, nil
}

// RunCron runs RunOnce on the cron schedule until ctx is cancelled. Failed
// runs are logged and retried at the next slot.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	if err := ValidateCron(cronExpr); err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
		}
		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
