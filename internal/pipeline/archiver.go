package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PositionArchiver moves settled positions into cold storage and prunes them
// from the primary store.
type PositionArchiver interface {
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}

// Archiver drives the cold-storage archiver on a retention window: every run
// moves positions liquidated more than retentionDays ago out of Postgres.
type Archiver struct {
	archiver      PositionArchiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(archiver PositionArchiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_job")),
		now:           time.Now,
	}
}

// Run executes a single archive run against the retention cutoff.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	archived, err := a.archiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archiving positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("positions_archived", archived))
	return nil
}

// RunCron runs the archiver on the given cron schedule until the context is
// cancelled. A failed run is logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: parsing cron expression %q: %w", cronExpr, err)
		}

		a.logger.InfoContext(ctx, "archiver waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", time.Until(next)),
		)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
