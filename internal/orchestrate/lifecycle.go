// Package orchestrate owns every position-state write that originates inside
// this process: investment dispatch, liquidation dispatch, and range-recovery.
// Detection (the monitor) and external observation (the reconcile layer) feed
// into it; it performs the writes.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// InvestParams describes a new position to open.
type InvestParams struct {
	UserID        string
	Wallet        common.Address
	PoolID        string
	BaseAsset     string
	Amount        decimal.Decimal
	LowerRangePct int32
	UpperRangePct int32
}

// Orchestrator drives the position lifecycle against both ledgers.
type Orchestrator struct {
	store     domain.PositionStore
	custody   domain.CustodyGateway
	execution domain.ExecutionGateway
	logger    *slog.Logger

	// vault is the custody-side destination for liquidation proceeds.
	vault common.Address
	// maxSlippagePct bounds the acceptable shortfall on liquidation, as a
	// percentage of principal.
	maxSlippagePct decimal.Decimal

	now func() time.Time
}

// New creates the lifecycle orchestrator.
func New(store domain.PositionStore, custody domain.CustodyGateway, execution domain.ExecutionGateway, vault common.Address, maxSlippagePct decimal.Decimal, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:          store,
		custody:        custody,
		execution:      execution,
		vault:          vault,
		maxSlippagePct: maxSlippagePct,
		logger:         logger.With(slog.String("component", "lifecycle_orchestrator")),
		now:            time.Now,
	}
}

// Invest earmarks funds on the custody ledger and records the new position in
// pending_execution. Activation arrives later through reconciliation.
func (o *Orchestrator) Invest(ctx context.Context, params InvestParams) (domain.Position, error) {
	if params.Amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("orchestrate: invest: non-positive amount %s", params.Amount)
	}
	if params.LowerRangePct >= params.UpperRangePct {
		return domain.Position{}, fmt.Errorf("orchestrate: invest: %w: [%d, %d]",
			domain.ErrRangeInvalid, params.LowerRangePct, params.UpperRangePct)
	}

	req := domain.InvestmentRequest{
		UserID:         params.UserID,
		Wallet:         params.Wallet,
		PoolID:         params.PoolID,
		BaseAsset:      params.BaseAsset,
		Amount:         params.Amount,
		LowerRangePct:  params.LowerRangePct,
		UpperRangePct:  params.UpperRangePct,
		IdempotencyKey: uuid.New().String(),
	}

	positionID, err := o.custody.DispatchInvestment(ctx, req)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orchestrate: invest: %w", err)
	}

	pos := domain.Position{
		ID:            positionID,
		UserID:        params.UserID,
		PoolID:        params.PoolID,
		BaseAsset:     params.BaseAsset,
		Principal:     params.Amount,
		LowerRangePct: params.LowerRangePct,
		UpperRangePct: params.UpperRangePct,
		Status:        domain.StatusPendingExecution,
		CreatedAt:     o.now().UTC(),
	}

	if err := o.store.Upsert(ctx, pos); err != nil {
		// The dispatch went through; reconciliation will recreate the local
		// record from the investment_initiated event.
		o.logger.Error("local insert after dispatch failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()))
	}

	o.logger.Info("investment dispatched",
		slog.String("position_id", positionID),
		slog.String("user_id", params.UserID),
		slog.String("pool_id", params.PoolID),
		slog.String("amount", params.Amount.String()))

	return pos, nil
}

// Liquidate records the range breach and dispatches a liquidation on the
// execution ledger. On receipt the position moves to liquidation_pending;
// settlement arrives later through reconciliation. A transient dispatch
// failure leaves the position out_of_range for the next sweep to retry.
func (o *Orchestrator) Liquidate(ctx context.Context, pos domain.Position, reason string) error {
	if !pos.Liquidatable() {
		return fmt.Errorf("orchestrate: liquidate %s: %w (status %s)",
			pos.ID, domain.ErrNotLiquidatable, pos.Status)
	}

	if pos.Status == domain.StatusActive {
		pos.Status = domain.StatusOutOfRange
		if err := o.store.Upsert(ctx, pos); err != nil {
			return fmt.Errorf("orchestrate: mark out of range %s: %w", pos.ID, err)
		}
	}

	// Deterministic key: a retry on the next sweep is the same intent, and
	// must not double-liquidate on the execution side.
	req := domain.LiquidationRequest{
		ExecutionID:    *pos.ExecutionID,
		BaseAsset:      pos.BaseAsset,
		Destination:    o.vault,
		MinOut:         o.minOut(pos.Principal),
		IdempotencyKey: "liquidate:" + pos.ID,
	}

	receipt, err := o.execution.LiquidateAndReturn(ctx, req)
	if err != nil {
		return fmt.Errorf("orchestrate: liquidate %s: %w", pos.ID, err)
	}

	estimate := receipt.EstimatedOut
	pos.Status = domain.StatusLiquidationPending
	pos.Returned = &estimate

	if err := o.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("orchestrate: mark liquidation pending %s: %w", pos.ID, err)
	}

	o.logger.Warn("liquidation dispatched",
		slog.String("position_id", pos.ID),
		slog.String("tx_id", receipt.TxID),
		slog.String("estimated_out", estimate.String()),
		slog.String("reason", reason))

	return nil
}

// Recover returns a breached position to active after its price re-entered
// the range before any liquidation dispatched.
func (o *Orchestrator) Recover(ctx context.Context, pos domain.Position) error {
	if pos.Status != domain.StatusOutOfRange {
		return fmt.Errorf("orchestrate: recover %s: unexpected status %s", pos.ID, pos.Status)
	}

	pos.Status = domain.StatusActive
	if err := o.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("orchestrate: recover %s: %w", pos.ID, err)
	}

	o.logger.Info("position recovered", slog.String("position_id", pos.ID))
	return nil
}

// minOut converts the slippage bound into an absolute floor on proceeds.
func (o *Orchestrator) minOut(principal decimal.Decimal) decimal.Decimal {
	if o.maxSlippagePct.Sign() <= 0 {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	return principal.Mul(hundred.Sub(o.maxSlippagePct)).Div(hundred).Truncate(0)
}
