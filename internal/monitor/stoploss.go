// Package monitor implements the stop-loss sweep: it watches every live
// position for a range breach and hands breached positions to the lifecycle
// orchestrator for liquidation. The monitor itself never writes position
// state.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// NotifyStopLossTriggered is the notification event type for a range breach.
const NotifyStopLossTriggered = "stop_loss_triggered"

// Lifecycle is the subset of the orchestrator the monitor drives.
type Lifecycle interface {
	// Liquidate dispatches a liquidation for a breached position.
	Liquidate(ctx context.Context, pos domain.Position, reason string) error
	// Recover returns a previously breached position to active once its
	// price is back in range.
	Recover(ctx context.Context, pos domain.Position) error
}

// Notifier is the subset of the notification dispatcher the monitor needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SweepResult summarizes one stop-loss pass.
type SweepResult struct {
	Checked   int
	Breached  int
	Recovered int
	Failed    int
}

// StopLossMonitor sweeps live positions against the execution ledger's range
// oracle. Checks run concurrently up to a configured limit; one position's
// failure never blocks the rest of the sweep.
type StopLossMonitor struct {
	store     domain.PositionStore
	execution domain.ExecutionGateway
	lifecycle Lifecycle
	notifier  Notifier
	logger    *slog.Logger

	// concurrency bounds in-flight range checks per sweep.
	concurrency int

	// runMu makes overlapping sweeps skip, not queue: a slow pass must not
	// pile up behind itself.
	runMu sync.Mutex
}

// NewStopLossMonitor creates a monitor. notifier may be nil. concurrency
// values below 1 are treated as 1.
func NewStopLossMonitor(store domain.PositionStore, execution domain.ExecutionGateway, lifecycle Lifecycle, notifier Notifier, concurrency int, logger *slog.Logger) *StopLossMonitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &StopLossMonitor{
		store:       store,
		execution:   execution,
		lifecycle:   lifecycle,
		notifier:    notifier,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "stoploss_monitor")),
	}
}

// Sweep checks every active and out_of_range position once. Returns the
// sweep summary; a sweep skipped because another is still running reports
// zero checks and no error.
func (m *StopLossMonitor) Sweep(ctx context.Context) (SweepResult, error) {
	if !m.runMu.TryLock() {
		m.logger.Warn("previous sweep still running, skipping")
		return SweepResult{}, nil
	}
	defer m.runMu.Unlock()

	positions, err := m.store.ListActive(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("monitor: list active: %w", err)
	}

	var breached, recovered, failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, pos := range positions {
		pos := pos
		if pos.ExecutionID == nil {
			// Activation confirmed but identifiers not reconciled yet;
			// nothing to check against.
			continue
		}
		g.Go(func() error {
			switch outcome := m.checkOne(ctx, pos); outcome {
			case checkBreached:
				breached.Add(1)
			case checkRecovered:
				recovered.Add(1)
			case checkFailed:
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return SweepResult{}, fmt.Errorf("monitor: sweep: %w", err)
	}

	result := SweepResult{
		Checked:   len(positions),
		Breached:  int(breached.Load()),
		Recovered: int(recovered.Load()),
		Failed:    int(failed.Load()),
	}

	m.logger.Info("stop-loss sweep complete",
		slog.Int("checked", result.Checked),
		slog.Int("breached", result.Breached),
		slog.Int("recovered", result.Recovered),
		slog.Int("failed", result.Failed))

	return result, nil
}

type checkOutcome int

const (
	checkInRange checkOutcome = iota
	checkBreached
	checkRecovered
	checkFailed
)

// checkOne queries the range oracle for a single position and reacts to the
// answer. All failures are absorbed here; the sweep carries on.
func (m *StopLossMonitor) checkOne(ctx context.Context, pos domain.Position) checkOutcome {
	rc, err := m.execution.IsPositionOutOfRange(ctx, *pos.ExecutionID)
	if err != nil {
		m.logger.Error("range check failed",
			slog.String("position_id", pos.ID),
			slog.String("execution_id", *pos.ExecutionID),
			slog.String("error", err.Error()))
		return checkFailed
	}

	if rc.OutOfRange {
		reason := fmt.Sprintf("price %.6f outside [%d%%, %d%%] range",
			rc.CurrentPrice, pos.LowerRangePct, pos.UpperRangePct)

		if err := m.lifecycle.Liquidate(ctx, pos, reason); err != nil {
			// Transient dispatch failure: the position stays out_of_range and
			// the next sweep retries.
			m.logger.Error("liquidation dispatch failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			return checkFailed
		}

		m.logger.Warn("stop-loss triggered",
			slog.String("position_id", pos.ID),
			slog.String("reason", reason))

		if m.notifier != nil {
			msg := fmt.Sprintf("Position %s breached its range (%s); liquidation dispatched.", pos.ID, reason)
			if err := m.notifier.Notify(ctx, NotifyStopLossTriggered, "Stop-loss triggered", msg); err != nil {
				m.logger.Warn("notification failed", slog.String("error", err.Error()))
			}
		}
		return checkBreached
	}

	if pos.Status == domain.StatusOutOfRange {
		// A prior breach whose liquidation never dispatched, and the price
		// came back on its own.
		if err := m.lifecycle.Recover(ctx, pos); err != nil {
			m.logger.Error("recovery failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			return checkFailed
		}
		m.logger.Info("position back in range",
			slog.String("position_id", pos.ID))
		return checkRecovered
	}

	return checkInRange
}
