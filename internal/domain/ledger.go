package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// InvestmentRequest is the custody-side dispatch of new capital toward the
// execution ledger. IdempotencyKey makes retries safe across the at-least-
// once boundary.
type InvestmentRequest struct {
	UserID         string
	Wallet         common.Address
	PoolID         string
	BaseAsset      string
	Amount         decimal.Decimal
	LowerRangePct  int32
	UpperRangePct  int32
	IdempotencyKey string
}

// LedgerPosition is a custody-ledger position as reported by the ground-truth
// scan. Its Status is the ledger's coarse three-way enum.
type LedgerPosition struct {
	ID            string
	UserID        string
	PoolID        string
	BaseAsset     string
	Amount        decimal.Decimal
	LowerRangePct int32
	UpperRangePct int32
	Status        LedgerStatus
	ExecutionID   *string
	Liquidity     *decimal.Decimal
	Returned      *decimal.Decimal
	CreatedAt     time.Time
	ExecutedAt    *time.Time
	LiquidatedAt  *time.Time
}

// CustodyGateway is the capability surface of the custody ledger. All calls
// are blocking I/O; failures map to the domain sentinels where the ledger
// reports a permanent validation error.
type CustodyGateway interface {
	// DispatchInvestment earmarks funds and sends the cross-ledger message.
	// Returns the custody-assigned position id. Fails with
	// ErrInsufficientBalance, ErrRangeInvalid, or ErrChainUnsupported.
	DispatchInvestment(ctx context.Context, req InvestmentRequest) (string, error)

	// ConfirmExecution records the execution-side identifiers on the custody
	// ledger. Idempotent: confirming an already-confirmed position is a
	// no-op, not an error.
	ConfirmExecution(ctx context.Context, positionID, executionID string, liquidity decimal.Decimal) error

	// SettleLiquidation asks the custody ledger to credit the returned
	// amount. Fails with ErrNotLiquidatable if the position is not active or
	// pending liquidation.
	SettleLiquidation(ctx context.Context, positionID string, received decimal.Decimal) error

	// ListPositions returns every position the custody ledger holds for the
	// user. This is the poll-path ground truth.
	ListPositions(ctx context.Context, userID string) ([]LedgerPosition, error)

	// GetAvailableBalance returns the user's undeployed capital in the
	// smallest unit of the vault's base asset.
	GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RangeCheck is the execution ledger's answer to "is this position out of
// its price range".
type RangeCheck struct {
	OutOfRange   bool
	CurrentPrice float64
}

// LiquidationRequest closes an execution-side position and routes the
// proceeds back toward the custody vault.
type LiquidationRequest struct {
	ExecutionID    string
	BaseAsset      string
	Destination    common.Address
	MinOut         decimal.Decimal
	IdempotencyKey string
}

// LiquidationReceipt acknowledges a liquidation dispatch. EstimatedOut is the
// execution side's estimate; the settled amount arrives later via the
// custody ledger and takes precedence.
type LiquidationReceipt struct {
	ExecutionID  string
	TxID         string
	EstimatedOut decimal.Decimal
	SubmittedAt  time.Time
}

// ExecutionGateway is the capability surface of the execution ledger.
type ExecutionGateway interface {
	IsPositionOutOfRange(ctx context.Context, executionID string) (RangeCheck, error)
	LiquidateAndReturn(ctx context.Context, req LiquidationRequest) (LiquidationReceipt, error)
}
