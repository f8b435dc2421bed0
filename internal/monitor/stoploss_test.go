package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecution answers range checks from a canned table.
type fakeExecution struct {
	outOfRange map[string]bool
	failing    map[string]bool
}

func (f *fakeExecution) IsPositionOutOfRange(ctx context.Context, executionID string) (domain.RangeCheck, error) {
	if f.failing[executionID] {
		return domain.RangeCheck{}, domain.ErrLedgerUnavailable
	}
	return domain.RangeCheck{OutOfRange: f.outOfRange[executionID], CurrentPrice: 1.0}, nil
}

func (f *fakeExecution) LiquidateAndReturn(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationReceipt, error) {
	return domain.LiquidationReceipt{}, nil
}

// fakeLifecycle records which positions were liquidated or recovered.
type fakeLifecycle struct {
	mu         sync.Mutex
	liquidated []string
	recovered  []string
	liquidErr  error
}

func (f *fakeLifecycle) Liquidate(ctx context.Context, pos domain.Position, reason string) error {
	if f.liquidErr != nil {
		return f.liquidErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liquidated = append(f.liquidated, pos.ID)
	return nil
}

func (f *fakeLifecycle) Recover(ctx context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, pos.ID)
	return nil
}

func seedActive(t *testing.T, store *memory.PositionStore, id string, status domain.PositionStatus) {
	t.Helper()
	execID := "exec-" + id
	require.NoError(t, store.Upsert(context.Background(), domain.Position{
		ID:            id,
		UserID:        "user-1",
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Principal:     decimal.NewFromInt(1000),
		LowerRangePct: -5,
		UpperRangePct: 5,
		Status:        domain.StatusActive,
		ExecutionID:   &execID,
		CreatedAt:     time.Now().UTC(),
	}))
	if status != domain.StatusActive {
		require.NoError(t, store.Upsert(context.Background(), domain.Position{
			ID: id, UserID: "user-1", PoolID: "pool-1", BaseAsset: "USDC",
			Principal: decimal.NewFromInt(1000), LowerRangePct: -5, UpperRangePct: 5,
			Status: status, ExecutionID: &execID, CreatedAt: time.Now().UTC(),
		}))
	}
}

func TestSweepLiquidatesOnlyBreachedPositions(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	exec := &fakeExecution{outOfRange: map[string]bool{}, failing: map[string]bool{}}

	for i := 1; i <= 10; i++ {
		seedActive(t, store, fmt.Sprintf("pos-%d", i), domain.StatusActive)
	}
	exec.outOfRange["exec-pos-2"] = true
	exec.outOfRange["exec-pos-5"] = true
	exec.outOfRange["exec-pos-8"] = true
	exec.failing["exec-pos-4"] = true

	lifecycle := &fakeLifecycle{}
	m := NewStopLossMonitor(store, exec, lifecycle, nil, 4, discard())

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, result.Checked)
	assert.Equal(t, 3, result.Breached)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Recovered)
	assert.ElementsMatch(t, []string{"pos-2", "pos-5", "pos-8"}, lifecycle.liquidated)
}

func TestSweepRecoversPositionBackInRange(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	seedActive(t, store, "pos-1", domain.StatusOutOfRange)

	exec := &fakeExecution{outOfRange: map[string]bool{}, failing: map[string]bool{}}
	lifecycle := &fakeLifecycle{}
	m := NewStopLossMonitor(store, exec, lifecycle, nil, 4, discard())

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, []string{"pos-1"}, lifecycle.recovered)
	assert.Empty(t, lifecycle.liquidated)
}

func TestSweepSkipsPositionsWithoutExecutionID(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	require.NoError(t, store.Upsert(context.Background(), domain.Position{
		ID: "pos-1", UserID: "user-1", PoolID: "pool-1", BaseAsset: "USDC",
		Principal: decimal.NewFromInt(1000), LowerRangePct: -5, UpperRangePct: 5,
		Status: domain.StatusActive, CreatedAt: time.Now().UTC(),
	}))

	exec := &fakeExecution{outOfRange: map[string]bool{}, failing: map[string]bool{}}
	lifecycle := &fakeLifecycle{}
	m := NewStopLossMonitor(store, exec, lifecycle, nil, 4, discard())

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Breached)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, lifecycle.liquidated)
}

func TestSweepDispatchFailureCountsAsFailed(t *testing.T) {
	store := memory.NewPositionStore(nil, nil, discard())
	seedActive(t, store, "pos-1", domain.StatusActive)

	exec := &fakeExecution{outOfRange: map[string]bool{"exec-pos-1": true}, failing: map[string]bool{}}
	lifecycle := &fakeLifecycle{liquidErr: domain.ErrLedgerUnavailable}
	m := NewStopLossMonitor(store, exec, lifecycle, nil, 4, discard())

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Breached)
	assert.Equal(t, 1, result.Failed)
}
