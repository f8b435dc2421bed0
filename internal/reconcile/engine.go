package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Notifier is the subset of the notification dispatcher the engine needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types emitted by the reconciliation layer.
const (
	NotifyPositionLiquidated = "position_liquidated"
	NotifyPositionFailed     = "position_failed"
	NotifyError              = "error"
)

// Engine applies ledger lifecycle events to the local position cache and
// drives the custody-side writes they imply. Every handler is idempotent:
// re-applying an already-applied event converges on the same state.
type Engine struct {
	store    domain.PositionStore
	custody  domain.CustodyGateway
	notifier Notifier
	logger   *slog.Logger
}

// NewEngine creates a reconciliation engine. notifier may be nil.
func NewEngine(store domain.PositionStore, custody domain.CustodyGateway, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		custody:  custody,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reconcile_engine")),
	}
}

// RegisterAll wires the engine's handlers into the registry.
func (e *Engine) RegisterAll(reg *Registry) {
	reg.Register(domain.EventInvestmentInitiated, e.handleInvestmentInitiated)
	reg.Register(domain.EventExecutionConfirmed, e.handleExecutionConfirmed)
	reg.Register(domain.EventLiquidationCompleted, e.handleLiquidationCompleted)
	reg.Register(domain.EventLiquidationSettled, e.handleLiquidationSettled)
	reg.Register(domain.EventInvestmentFailed, e.handleInvestmentFailed)
}

// handleInvestmentInitiated records a custody-side dispatch. The orchestrator
// usually created the local record already, making this a no-op; the insert
// path covers positions initiated by another instance.
func (e *Engine) handleInvestmentInitiated(ctx context.Context, ev domain.LedgerEvent) error {
	_, err := e.store.Get(ctx, ev.PositionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reconcile: lookup %s: %w", ev.PositionID, err)
	}

	pos := domain.Position{
		ID:        ev.PositionID,
		UserID:    ev.UserID,
		PoolID:    ev.PoolID,
		Principal: ev.Amount,
		Status:    domain.StatusPendingExecution,
		CreatedAt: ev.EmittedAt,
	}
	if err := e.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: insert initiated %s: %w", ev.PositionID, err)
	}

	e.logger.InfoContext(ctx, "investment initiated",
		slog.String("position_id", ev.PositionID),
		slog.String("pool_id", ev.PoolID),
		slog.String("amount", ev.Amount.String()))
	return nil
}

// handleExecutionConfirmed activates the position with the execution-side
// identifiers and writes them back to the custody ledger.
func (e *Engine) handleExecutionConfirmed(ctx context.Context, ev domain.LedgerEvent) error {
	pos, err := e.store.Get(ctx, ev.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The ground-truth scan will pick it up.
			e.logger.WarnContext(ctx, "confirmation for unknown position, deferring to scan",
				slog.String("position_id", ev.PositionID))
			return nil
		}
		return fmt.Errorf("reconcile: lookup %s: %w", ev.PositionID, err)
	}

	execID := ev.ExecutionID
	liquidity := ev.Liquidity
	executedAt := ev.EmittedAt

	pos.Status = domain.StatusActive
	pos.ExecutionID = &execID
	pos.Liquidity = &liquidity
	pos.ExecutedAt = &executedAt

	if err := e.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: activate %s: %w", ev.PositionID, err)
	}

	// Custody needs the identifiers to route the eventual settlement. The
	// call is idempotent; a transient failure is retried implicitly on the
	// next delivery or scan.
	if err := e.custody.ConfirmExecution(ctx, ev.PositionID, execID, liquidity); err != nil {
		e.logger.WarnContext(ctx, "custody confirmation failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "execution confirmed",
		slog.String("position_id", ev.PositionID),
		slog.String("execution_id", execID))
	return nil
}

// handleLiquidationCompleted records the execution side's estimate, marks the
// position liquidation_pending, and asks the custody ledger to settle. The
// settled amount arrives later and overwrites the estimate.
func (e *Engine) handleLiquidationCompleted(ctx context.Context, ev domain.LedgerEvent) error {
	pos, err := e.store.Get(ctx, ev.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "liquidation for unknown position, deferring to scan",
				slog.String("position_id", ev.PositionID))
			return nil
		}
		return fmt.Errorf("reconcile: lookup %s: %w", ev.PositionID, err)
	}

	estimate := ev.Amount
	pos.Status = domain.StatusLiquidationPending
	pos.Returned = &estimate

	if err := e.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: mark liquidation pending %s: %w", ev.PositionID, err)
	}

	if err := e.custody.SettleLiquidation(ctx, ev.PositionID, estimate); err != nil {
		if errors.Is(err, domain.ErrNotLiquidatable) {
			// Repeat delivery after custody already settled.
			e.logger.DebugContext(ctx, "settlement already in progress",
				slog.String("position_id", ev.PositionID))
			return nil
		}
		e.logger.WarnContext(ctx, "settlement request failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "liquidation completed",
		slog.String("position_id", ev.PositionID),
		slog.String("estimated_return", estimate.String()))
	return nil
}

// handleLiquidationSettled finalizes the position. The custody-settled amount
// is ground truth and overwrites any execution-side estimate.
func (e *Engine) handleLiquidationSettled(ctx context.Context, ev domain.LedgerEvent) error {
	pos, err := e.store.Get(ctx, ev.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "settlement for unknown position, deferring to scan",
				slog.String("position_id", ev.PositionID))
			return nil
		}
		return fmt.Errorf("reconcile: lookup %s: %w", ev.PositionID, err)
	}

	settled := ev.Amount
	liquidatedAt := ev.EmittedAt

	pos.Status = domain.StatusLiquidated
	pos.Returned = &settled
	pos.LiquidatedAt = &liquidatedAt

	if err := e.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: finalize %s: %w", ev.PositionID, err)
	}

	e.logger.InfoContext(ctx, "liquidation settled",
		slog.String("position_id", ev.PositionID),
		slog.String("returned", settled.String()))

	if e.notifier != nil {
		title := "Position liquidated"
		msg := fmt.Sprintf("Position %s settled: %s %s returned to the vault.",
			ev.PositionID, settled.String(), pos.BaseAsset)
		if err := e.notifier.Notify(ctx, NotifyPositionLiquidated, title, msg); err != nil {
			e.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// handleInvestmentFailed marks the position failed. The custody ledger has
// already released the earmarked funds.
func (e *Engine) handleInvestmentFailed(ctx context.Context, ev domain.LedgerEvent) error {
	pos, err := e.store.Get(ctx, ev.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "failure event for unknown position",
				slog.String("position_id", ev.PositionID),
				slog.String("reason", ev.Reason))
			return nil
		}
		return fmt.Errorf("reconcile: lookup %s: %w", ev.PositionID, err)
	}

	pos.Status = domain.StatusFailed

	if err := e.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: mark failed %s: %w", ev.PositionID, err)
	}

	e.logger.WarnContext(ctx, "investment failed",
		slog.String("position_id", ev.PositionID),
		slog.String("reason", ev.Reason))

	if e.notifier != nil {
		title := "Investment failed"
		msg := fmt.Sprintf("Position %s failed: %s", ev.PositionID, ev.Reason)
		if err := e.notifier.Notify(ctx, NotifyPositionFailed, title, msg); err != nil {
			e.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
