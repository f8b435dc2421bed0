package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/monitor"
	"github.com/rangekeeperhq/rangekeeper/internal/reconcile"
)

// pollLockTTL bounds how long a crashed instance can hold the scan lock.
const pollLockTTL = 10 * time.Minute

// Orchestrator runs the background loops: the stop-loss sweep, the
// ground-truth reconciliation poll, the per-user decision evaluation, and the
// cold-storage archiver cron. Each loop is independent; one failing tick is
// logged, not fatal.
type Orchestrator struct {
	monitor   *monitor.StopLossMonitor
	poller    *reconcile.Poller
	decisions *DecisionWorker
	archiver  *Archiver
	locks     domain.LockManager

	sweepInterval    time.Duration
	pollInterval     time.Duration
	decisionInterval time.Duration
	archiveCron      string

	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. stopLoss, decisions, archiver,
// and locks may be nil; the corresponding loop (or lock guard) is then
// skipped, which is how the narrower run modes compose.
func NewOrchestrator(
	stopLoss *monitor.StopLossMonitor,
	poller *reconcile.Poller,
	decisions *DecisionWorker,
	archiver *Archiver,
	locks domain.LockManager,
	sweepInterval, pollInterval, decisionInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		monitor:          stopLoss,
		poller:           poller,
		decisions:        decisions,
		archiver:         archiver,
		locks:            locks,
		sweepInterval:    sweepInterval,
		pollInterval:     pollInterval,
		decisionInterval: decisionInterval,
		archiveCron:      archiveCron,
		logger:           logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every configured loop on a shared errgroup and blocks until the
// context is cancelled or a loop fails unrecoverably.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "orchestrator starting",
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.Duration("poll_interval", o.pollInterval),
		slog.Duration("decision_interval", o.decisionInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.monitor != nil {
		g.Go(func() error {
			err := o.runSweepLoop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stop-loss sweep: %w", err)
		})
	}

	g.Go(func() error {
		err := o.runPollLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reconciliation poll: %w", err)
	})

	if o.decisions != nil {
		g.Go(func() error {
			err := o.runDecisionLoop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decision loop: %w", err)
		})
	}

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("orchestrator stopped cleanly")
	return nil
}

// runSweepLoop drives the stop-loss monitor. The monitor itself skips a tick
// when the previous sweep is still running, so the ticker never queues work.
func (o *Orchestrator) runSweepLoop(ctx context.Context) error {
	o.sweepTick(ctx)

	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stop-loss sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.sweepTick(ctx)
		}
	}
}

func (o *Orchestrator) sweepTick(ctx context.Context) {
	result, err := o.monitor.Sweep(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "stop-loss sweep failed", slog.String("error", err.Error()))
		return
	}
	if result.Checked > 0 {
		o.logger.InfoContext(ctx, "stop-loss sweep complete",
			slog.Int("checked", result.Checked),
			slog.Int("breached", result.Breached),
			slog.Int("recovered", result.Recovered),
			slog.Int("failed", result.Failed))
	}
}

// runPollLoop drives the ground-truth re-scan. When a lock manager is
// configured the scan runs under the shared "ledger_sync" lock so a manual
// trigger or another instance cannot scan concurrently; a held lock skips
// the tick.
func (o *Orchestrator) runPollLoop(ctx context.Context) error {
	o.pollTick(ctx)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("reconciliation poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.pollTick(ctx)
		}
	}
}

func (o *Orchestrator) pollTick(ctx context.Context) {
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, "ledger_sync", pollLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				o.logger.DebugContext(ctx, "scan lock held elsewhere, skipping poll tick")
				return
			}
			o.logger.ErrorContext(ctx, "scan lock acquisition failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	if err := o.poller.SyncAll(ctx); err != nil {
		o.logger.ErrorContext(ctx, "ground-truth scan failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) runDecisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.decisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("decision loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := o.decisions.RunOnce(ctx); err != nil && ctx.Err() == nil {
				o.logger.ErrorContext(ctx, "decision run failed", slog.String("error", err.Error()))
			}
		}
	}
}
