package service

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

	"github.com/rangekeeperhq/rangekeeper/internal/decide"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/orchestrate"
	"github.com/rangekeeperhq/rangekeeper/internal/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPrefs struct {
	prefs map[string]domain.UserPreference
}

func newMemPrefs() *memPrefs { return &memPrefs{prefs: make(map[string]domain.UserPreference)} }

func (m *memPrefs) Get(ctx context.Context, userID string) (domain.UserPreference, error) {
	p, ok := m.prefs[userID]
	if !ok {
		return domain.UserPreference{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPrefs) Upsert(ctx context.Context, pref domain.UserPreference) error {
	m.prefs[pref.UserID] = pref
	return nil
}

func (m *memPrefs) ListUserIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.prefs))
	for id := range m.prefs {
		ids = append(ids, id)
	}
	return ids, nil
}

type memOpps struct {
	opps []domain.Opportunity
}

func (m *memOpps) Put(ctx context.Context, opp domain.Opportunity) error {
	m.opps = append(m.opps, opp)
	return nil
}

func (m *memOpps) Get(ctx context.Context, poolID string) (domain.Opportunity, error) {
	for _, o := range m.opps {
		if o.PoolID == poolID {
			return o, nil
		}
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (m *memOpps) Has(ctx context.Context, poolID string) (bool, error) {
	_, err := m.Get(ctx, poolID)
	return err == nil, nil
}

func (m *memOpps) List(ctx context.Context) ([]domain.Opportunity, error) {
	return m.opps, nil
}

type memLimiter struct {
	used map[string]int
}

func newMemLimiter() *memLimiter { return &memLimiter{used: make(map[string]int)} }

func (m *memLimiter) UsedToday(ctx context.Context, userID string) (int, error) {
	return m.used[userID], nil
}

func (m *memLimiter) Record(ctx context.Context, userID string) error {
	m.used[userID]++
	return nil
}

type stubCustody struct {
	nextID int
}

func (s *stubCustody) DispatchInvestment(ctx context.Context, req domain.InvestmentRequest) (string, error) {
	s.nextID++
	return "pos-" + string(rune('0'+s.nextID)), nil
}

func (s *stubCustody) ConfirmExecution(ctx context.Context, positionID, executionID string, liquidity decimal.Decimal) error {
	return nil
}

func (s *stubCustody) SettleLiquidation(ctx context.Context, positionID string, received decimal.Decimal) error {
	return nil
}

func (s *stubCustody) ListPositions(ctx context.Context, userID string) ([]domain.LedgerPosition, error) {
	return nil, nil
}

func (s *stubCustody) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type stubExecution struct{}

func (stubExecution) IsPositionOutOfRange(ctx context.Context, executionID string) (domain.RangeCheck, error) {
	return domain.RangeCheck{}, nil
}

func (stubExecution) LiquidateAndReturn(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationReceipt, error) {
	return domain.LiquidationReceipt{EstimatedOut: decimal.NewFromInt(1)}, nil
}

func stablePool(id string, yieldPct, tvl float64) domain.Opportunity {
	return domain.Opportunity{
		PoolID: id, AssetA: "USDC", AssetB: "USDT",
		TrailingYieldPct: yieldPct, TVLUSD: tvl, AgeDays: 90,
	}
}

func newDecisionService(t *testing.T, opps *memOpps, prefs *memPrefs, limiter *memLimiter, autoExecute bool) *DecisionService {
	t.Helper()
	store := memory.NewPositionStore(nil, nil, discard())
	orch := orchestrate.New(store, &stubCustody{}, stubExecution{},
		common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		decimal.NewFromInt(2), discard())
	engine := decide.NewEngine(decide.DefaultConfig(), discard())
	svc := NewDecisionService(engine, prefs, opps, store, limiter, orch, "USDC", autoExecute, discard())
	svc.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestRunDecisionCreatesDefaultPreference(t *testing.T) {
	prefs := newMemPrefs()
	opps := &memOpps{opps: []domain.Opportunity{stablePool("pool-1", 10, 5_000_000)}}
	svc := newDecisionService(t, opps, prefs, newMemLimiter(), false)

	record, err := svc.RunDecisionForUser(context.Background(), "user-new", decimal.NewFromInt(5_000), nil)
	require.NoError(t, err)

	created, ok := prefs.prefs["user-new"]
	require.True(t, ok, "default preference should have been created")
	assert.Equal(t, domain.RiskTierBalanced, created.RiskTier)
	assert.NotEmpty(t, record.Reasons)
}

func TestRunDecisionAutoExecuteRecordsRebalance(t *testing.T) {
	prefs := newMemPrefs()
	limiter := newMemLimiter()
	opps := &memOpps{opps: []domain.Opportunity{stablePool("pool-1", 15, 5_000_000)}}
	svc := newDecisionService(t, opps, prefs, limiter, true)

	record, err := svc.RunDecisionForUser(context.Background(), "user-1", decimal.NewFromInt(5_000), nil)
	require.NoError(t, err)

	require.True(t, record.ShouldExecute, "reasons: %v", record.Reasons)
	assert.Equal(t, 1, limiter.used["user-1"], "executed rebalance must count against the daily budget")
}

func TestRunDecisionWithoutAutoExecuteLeavesBudgetUntouched(t *testing.T) {
	prefs := newMemPrefs()
	limiter := newMemLimiter()
	opps := &memOpps{opps: []domain.Opportunity{stablePool("pool-1", 15, 5_000_000)}}
	svc := newDecisionService(t, opps, prefs, limiter, false)

	record, err := svc.RunDecisionForUser(context.Background(), "user-1", decimal.NewFromInt(5_000), nil)
	require.NoError(t, err)

	assert.True(t, record.ShouldExecute)
	assert.Equal(t, 0, limiter.used["user-1"])
}
