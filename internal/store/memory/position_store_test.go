package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOpps is an OpportunityCache with a fixed set of known pools.
type fakeOpps struct {
	known map[string]bool
}

func (f *fakeOpps) Put(ctx context.Context, opp domain.Opportunity) error { return nil }
func (f *fakeOpps) Get(ctx context.Context, poolID string) (domain.Opportunity, error) {
	if f.known[poolID] {
		return domain.Opportunity{PoolID: poolID}, nil
	}
	return domain.Opportunity{}, domain.ErrNotFound
}
func (f *fakeOpps) Has(ctx context.Context, poolID string) (bool, error) {
	return f.known[poolID], nil
}
func (f *fakeOpps) List(ctx context.Context) ([]domain.Opportunity, error) { return nil, nil }

func newTestStore() *PositionStore {
	opps := &fakeOpps{known: map[string]bool{"pool-1": true, "pool-2": true}}
	return NewPositionStore(opps, nil, discard())
}

func pending(id, user, pool string) domain.Position {
	return domain.Position{
		ID:            id,
		UserID:        user,
		PoolID:        pool,
		BaseAsset:     "USDC",
		Principal:     decimal.NewFromInt(1_000_000),
		LowerRangePct: -5,
		UpperRangePct: 5,
		Status:        domain.StatusPendingExecution,
		CreatedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-1")
	require.NoError(t, s.Upsert(ctx, p))
	require.NoError(t, s.Upsert(ctx, p))

	got, err := s.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(p))

	all, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertSkipsUnknownPool(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-unsynced")
	require.NoError(t, s.Upsert(ctx, p))

	_, err := s.Get(ctx, "pos-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStickyLiquidationPendingSurvivesActivePoll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-1")
	require.NoError(t, s.Upsert(ctx, p))

	execID := "exec-1"
	p.Status = domain.StatusActive
	p.ExecutionID = &execID
	require.NoError(t, s.Upsert(ctx, p))

	est := decimal.NewFromInt(999)
	p.Status = domain.StatusLiquidationPending
	p.Returned = &est
	require.NoError(t, s.Upsert(ctx, p))

	// Poll path lags: the custody ledger still reports "active" because
	// settlement has not landed. The regression must be silently dropped.
	stale := pending("pos-1", "user-1", "pool-1")
	stale.Status = domain.StatusActive
	require.NoError(t, s.Upsert(ctx, stale))

	got, err := s.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLiquidationPending, got.Status)
	require.NotNil(t, got.Returned)
	assert.True(t, got.Returned.Equal(est))
}

func TestStatusNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-1")
	require.NoError(t, s.Upsert(ctx, p))

	steps := []domain.PositionStatus{
		domain.StatusActive,
		domain.StatusOutOfRange,
		domain.StatusLiquidationPending,
		domain.StatusLiquidated,
	}
	lastRank := domain.StatusPendingExecution.Rank()
	for _, st := range steps {
		next := p
		next.Status = st
		require.NoError(t, s.Upsert(ctx, next))

		got, err := s.Get(ctx, "pos-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Status.Rank(), lastRank)
		lastRank = got.Status.Rank()
	}

	// Attempt a full regression from terminal state.
	back := p
	back.Status = domain.StatusPendingExecution
	require.NoError(t, s.Upsert(ctx, back))
	got, err := s.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLiquidated, got.Status)
}

func TestOutOfRangeRecoversToActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-1")
	p.Status = domain.StatusOutOfRange
	require.NoError(t, s.Upsert(ctx, p))

	p.Status = domain.StatusActive
	require.NoError(t, s.Upsert(ctx, p))

	got, err := s.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestMergePreservesObservedFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p := pending("pos-1", "user-1", "pool-1")
	require.NoError(t, s.Upsert(ctx, p))

	execID := "exec-1"
	liq := decimal.NewFromInt(500)
	confirmed := p
	confirmed.Status = domain.StatusActive
	confirmed.ExecutionID = &execID
	confirmed.Liquidity = &liq
	require.NoError(t, s.Upsert(ctx, confirmed))

	// A later snapshot without execution fields must not erase them.
	bare := pending("pos-1", "user-1", "pool-1")
	bare.Status = domain.StatusActive
	require.NoError(t, s.Upsert(ctx, bare))

	got, err := s.Get(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got.ExecutionID)
	assert.Equal(t, "exec-1", *got.ExecutionID)
	require.NotNil(t, got.Liquidity)
	assert.True(t, got.Liquidity.Equal(liq))
}

func TestListActiveIncludesOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	a := pending("pos-a", "user-1", "pool-1")
	a.Status = domain.StatusActive
	b := pending("pos-b", "user-1", "pool-2")
	b.Status = domain.StatusOutOfRange
	c := pending("pos-c", "user-1", "pool-1")
	c.Status = domain.StatusLiquidated

	for _, p := range []domain.Position{a, b, c} {
		require.NoError(t, s.Upsert(ctx, p))
	}

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"pos-a", "pos-b"}, ids)
}

func TestConcurrentWritesToDistinctRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := pending("pos-"+string(rune('a'+n%26))+string(rune('a'+n/26)), "user-1", "pool-1")
			p.Status = domain.StatusActive
			_ = s.Upsert(ctx, p)
		}(i)
	}
	wg.Wait()

	all, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 50)
}
