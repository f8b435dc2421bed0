package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rangekeeperhq/rangekeeper/internal/pipeline"
)

// The run modes differ only in which background loops the orchestrator
// carries. Every mode keeps the websocket feed and the ground-truth poll
// running, since without them the position cache drifts from the ledgers.

// MonitorMode runs the event feed, the reconciliation poll, and the stop-loss
// sweep. No decisions are made and nothing is archived.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("running in monitor mode")
	orch := pipeline.NewOrchestrator(
		deps.Monitor,
		deps.Poller,
		nil,
		nil,
		deps.Locks,
		a.cfg.Monitor.SweepInterval.Duration,
		a.cfg.Reconcile.PollInterval.Duration,
		0,
		"",
		a.logger,
	)
	return a.runMode(ctx, deps, orch)
}

// SyncMode runs only the event feed and the reconciliation poll, keeping the
// position cache current without taking any action.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("running in sync mode")
	orch := pipeline.NewOrchestrator(
		nil,
		deps.Poller,
		nil,
		nil,
		deps.Locks,
		0,
		a.cfg.Reconcile.PollInterval.Duration,
		0,
		"",
		a.logger,
	)
	return a.runMode(ctx, deps, orch)
}

// DecideMode runs the event feed, the reconciliation poll, and the periodic
// per-user decision evaluation. Stop-loss sweeps are left to a monitor-mode
// instance.
func (a *App) DecideMode(ctx context.Context, deps *Dependencies) error {
	if deps.DecisionWorker == nil {
		return fmt.Errorf("app: decide mode requires the decision section to be enabled")
	}
	a.logger.Info("running in decide mode")
	orch := pipeline.NewOrchestrator(
		nil,
		deps.Poller,
		deps.DecisionWorker,
		nil,
		deps.Locks,
		0,
		a.cfg.Reconcile.PollInterval.Duration,
		a.cfg.Decision.EvalInterval.Duration,
		"",
		a.logger,
	)
	return a.runMode(ctx, deps, orch)
}

// FullMode runs everything: feed, poll, stop-loss sweep, decision loop, and
// the cold-storage archiver when S3 is configured.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("running in full mode")
	archiveCron := ""
	if deps.Archiver != nil {
		archiveCron = a.cfg.S3.ArchiveCron
	}
	orch := pipeline.NewOrchestrator(
		deps.Monitor,
		deps.Poller,
		deps.DecisionWorker,
		deps.Archiver,
		deps.Locks,
		a.cfg.Monitor.SweepInterval.Duration,
		a.cfg.Reconcile.PollInterval.Duration,
		a.cfg.Decision.EvalInterval.Duration,
		archiveCron,
		a.logger,
	)
	return a.runMode(ctx, deps, orch)
}

// runMode runs the websocket feed and the orchestrator together and blocks
// until the context is cancelled or one of them fails.
func (a *App) runMode(ctx context.Context, deps *Dependencies, orch *pipeline.Orchestrator) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer deps.Feed.Close()
		err := deps.Feed.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ledger feed: %w", err)
	})

	g.Go(func() error {
		err := orch.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}
