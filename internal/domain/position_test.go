package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to PositionStatus
		want     bool
	}{
		{StatusPendingExecution, StatusActive, true},
		{StatusPendingExecution, StatusFailed, true},
		{StatusPendingExecution, StatusLiquidated, false},
		{StatusActive, StatusOutOfRange, true},
		{StatusActive, StatusLiquidationPending, true},
		{StatusActive, StatusPendingExecution, false},
		{StatusActive, StatusFailed, false},
		{StatusOutOfRange, StatusActive, true}, // recovery edge
		{StatusOutOfRange, StatusLiquidationPending, true},
		{StatusLiquidationPending, StatusLiquidated, true},
		{StatusLiquidationPending, StatusActive, false},
		{StatusLiquidated, StatusActive, false},
		{StatusFailed, StatusActive, false},
		{StatusActive, StatusActive, true}, // self-transition is idempotent
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestStatusRankIsMonotonicAlongLifecycle(t *testing.T) {
	path := []PositionStatus{
		StatusPendingExecution,
		StatusActive,
		StatusOutOfRange,
		StatusLiquidationPending,
		StatusLiquidated,
	}
	for i := 1; i < len(path); i++ {
		assert.Greater(t, path[i].Rank(), path[i-1].Rank())
	}
	assert.Equal(t, -1, PositionStatus("bogus").Rank())
}

func TestStickyAndTerminal(t *testing.T) {
	assert.True(t, StatusLiquidationPending.Sticky())
	assert.True(t, StatusLiquidated.Sticky())
	assert.True(t, StatusFailed.Sticky())
	assert.False(t, StatusActive.Sticky())
	assert.False(t, StatusOutOfRange.Sticky())

	assert.True(t, StatusLiquidated.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusLiquidationPending.Terminal())
}

func TestPositionEqualIgnoresNothing(t *testing.T) {
	now := time.Now().UTC()
	execID := "exec-1"
	p := Position{
		ID:            "pos-1",
		UserID:        "user-1",
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Principal:     decimal.NewFromInt(1_000_000),
		LowerRangePct: -5,
		UpperRangePct: 5,
		Status:        StatusActive,
		ExecutionID:   &execID,
		CreatedAt:     now,
	}

	q := p
	assert.True(t, p.Equal(q))

	q.Status = StatusOutOfRange
	assert.False(t, p.Equal(q))

	q = p
	other := "exec-2"
	q.ExecutionID = &other
	assert.False(t, p.Equal(q))

	q = p
	ret := decimal.NewFromInt(42)
	q.Returned = &ret
	assert.False(t, p.Equal(q))
}

func TestLiquidatable(t *testing.T) {
	execID := "exec-1"
	p := Position{Status: StatusActive, ExecutionID: &execID}
	assert.True(t, p.Liquidatable())

	p.Status = StatusOutOfRange
	assert.True(t, p.Liquidatable())

	p.Status = StatusLiquidationPending
	assert.False(t, p.Liquidatable())

	p = Position{Status: StatusActive} // not yet confirmed on execution side
	assert.False(t, p.Liquidatable())
}
