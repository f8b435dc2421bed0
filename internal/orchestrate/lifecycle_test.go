package orchestrate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testVault = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

type fakeCustody struct {
	nextID      string
	dispatchErr error
	dispatched  []domain.InvestmentRequest
}

func (f *fakeCustody) DispatchInvestment(ctx context.Context, req domain.InvestmentRequest) (string, error) {
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	f.dispatched = append(f.dispatched, req)
	return f.nextID, nil
}

func (f *fakeCustody) ConfirmExecution(ctx context.Context, positionID, executionID string, liquidity decimal.Decimal) error {
	return nil
}

func (f *fakeCustody) SettleLiquidation(ctx context.Context, positionID string, received decimal.Decimal) error {
	return nil
}

func (f *fakeCustody) ListPositions(ctx context.Context, userID string) ([]domain.LedgerPosition, error) {
	return nil, nil
}

func (f *fakeCustody) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeExecution struct {
	receipts     map[string]domain.LiquidationReceipt
	liquidateErr error
	requests     []domain.LiquidationRequest
}

func (f *fakeExecution) IsPositionOutOfRange(ctx context.Context, executionID string) (domain.RangeCheck, error) {
	return domain.RangeCheck{}, nil
}

func (f *fakeExecution) LiquidateAndReturn(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationReceipt, error) {
	if f.liquidateErr != nil {
		return domain.LiquidationReceipt{}, f.liquidateErr
	}
	f.requests = append(f.requests, req)
	return f.receipts[req.ExecutionID], nil
}

func newOrchestrator(store domain.PositionStore, custody *fakeCustody, exec *fakeExecution) *Orchestrator {
	return New(store, custody, exec, testVault, decimal.NewFromInt(2), discard())
}

func activePosition(id string) domain.Position {
	execID := "exec-" + id
	return domain.Position{
		ID:            id,
		UserID:        "user-1",
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Principal:     decimal.NewFromInt(10000),
		LowerRangePct: -5,
		UpperRangePct: 5,
		Status:        domain.StatusActive,
		ExecutionID:   &execID,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestInvestCreatesPendingPosition(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	custody := &fakeCustody{nextID: "pos-42"}
	o := newOrchestrator(store, custody, &fakeExecution{})

	pos, err := o.Invest(context.Background(), InvestParams{
		UserID:        "user-1",
		Wallet:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Amount:        decimal.NewFromInt(5000),
		LowerRangePct: -5,
		UpperRangePct: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "pos-42", pos.ID)
	assert.Equal(t, domain.StatusPendingExecution, pos.Status)

	stored, err := store.Get(context.Background(), "pos-42")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingExecution, stored.Status)

	require.Len(t, custody.dispatched, 1)
	assert.NotEmpty(t, custody.dispatched[0].IdempotencyKey)
}

func TestInvestRejectsInvalidRange(t *testing.T) {
	o := newOrchestrator(memory.NewPositionStore(nil, nil, discard()), &fakeCustody{}, &fakeExecution{})

	_, err := o.Invest(context.Background(), InvestParams{
		UserID:        "user-1",
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Amount:        decimal.NewFromInt(5000),
		LowerRangePct: 5,
		UpperRangePct: -5,
	})
	assert.ErrorIs(t, err, domain.ErrRangeInvalid)
}

func TestLiquidateMarksPendingWithEstimate(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	pos := activePosition("pos-1")
	require.NoError(t, store.Upsert(context.Background(), pos))

	exec := &fakeExecution{receipts: map[string]domain.LiquidationReceipt{
		"exec-pos-1": {
			ExecutionID:  "exec-pos-1",
			TxID:         "0xabc",
			EstimatedOut: decimal.NewFromInt(9900),
			SubmittedAt:  time.Now().UTC(),
		},
	}}
	o := newOrchestrator(store, &fakeCustody{}, exec)

	require.NoError(t, o.Liquidate(context.Background(), pos, "range breach"))

	got, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLiquidationPending, got.Status)
	require.NotNil(t, got.Returned)
	assert.True(t, got.Returned.Equal(decimal.NewFromInt(9900)))

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, testVault, req.Destination)
	assert.Equal(t, "liquidate:pos-1", req.IdempotencyKey)
	// 2% slippage bound on a 10000 principal.
	assert.True(t, req.MinOut.Equal(decimal.NewFromInt(9800)), "got %s", req.MinOut)
}

func TestLiquidateTransientFailureLeavesOutOfRange(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	pos := activePosition("pos-1")
	require.NoError(t, store.Upsert(context.Background(), pos))

	exec := &fakeExecution{liquidateErr: domain.ErrLedgerUnavailable}
	o := newOrchestrator(store, &fakeCustody{}, exec)

	err := o.Liquidate(context.Background(), pos, "range breach")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	got, lookupErr := store.Get(context.Background(), "pos-1")
	require.NoError(t, lookupErr)
	assert.Equal(t, domain.StatusOutOfRange, got.Status, "breach observation must survive for the retry")
}

func TestLiquidateRejectsNonLiquidatable(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	o := newOrchestrator(store, &fakeCustody{}, &fakeExecution{})

	pos := activePosition("pos-1")
	pos.Status = domain.StatusLiquidationPending
	err := o.Liquidate(context.Background(), pos, "range breach")
	assert.ErrorIs(t, err, domain.ErrNotLiquidatable)

	pos = activePosition("pos-2")
	pos.ExecutionID = nil
	err = o.Liquidate(context.Background(), pos, "range breach")
	assert.ErrorIs(t, err, domain.ErrNotLiquidatable)
}

func TestRecoverReturnsPositionToActive(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	pos := activePosition("pos-1")
	require.NoError(t, store.Upsert(context.Background(), pos))
	pos.Status = domain.StatusOutOfRange
	require.NoError(t, store.Upsert(context.Background(), pos))

	o := newOrchestrator(store, &fakeCustody{}, &fakeExecution{})
	require.NoError(t, o.Recover(context.Background(), pos))

	got, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}
