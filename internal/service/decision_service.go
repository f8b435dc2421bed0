package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/decide"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/orchestrate"
)

// DecisionService wires the pure decision engine to its data sources and,
// when auto-execution is on, turns an approved record into orchestrator
// calls.
type DecisionService struct {
	engine       *decide.Engine
	prefs        domain.PreferenceStore
	opps         domain.OpportunityCache
	store        domain.PositionStore
	limiter      domain.RebalanceLimiter
	orchestrator *orchestrate.Orchestrator
	logger       *slog.Logger

	// baseAsset is the asset capital is denominated in for new entries.
	baseAsset string
	// autoExecute turns approved decision records into live dispatches.
	autoExecute bool

	now func() time.Time
}

// NewDecisionService creates a DecisionService. orchestrator may be nil when
// autoExecute is off.
func NewDecisionService(
	engine *decide.Engine,
	prefs domain.PreferenceStore,
	opps domain.OpportunityCache,
	store domain.PositionStore,
	limiter domain.RebalanceLimiter,
	orchestrator *orchestrate.Orchestrator,
	baseAsset string,
	autoExecute bool,
	logger *slog.Logger,
) *DecisionService {
	return &DecisionService{
		engine:       engine,
		prefs:        prefs,
		opps:         opps,
		store:        store,
		limiter:      limiter,
		orchestrator: orchestrator,
		baseAsset:    baseAsset,
		autoExecute:  autoExecute,
		logger:       logger.With(slog.String("component", "decision_service")),
		now:          time.Now,
	}
}

// RunDecisionForUser evaluates the user's target allocation. The caller
// supplies free capital and the marked holdings (current value, impermanent
// loss, pool yield); the service gathers the rest. When auto-execution is
// enabled and the gate passes, the exits and enters are dispatched and the
// rebalance is counted against the daily budget.
func (s *DecisionService) RunDecisionForUser(ctx context.Context, userID string, capital decimal.Decimal, holdings []domain.Holding) (domain.DecisionRecord, error) {
	pref, err := s.preferenceFor(ctx, userID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}

	opportunities, err := s.opps.List(ctx)
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("decision_service: list opportunities: %w", err)
	}

	used, err := s.limiter.UsedToday(ctx, userID)
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("decision_service: rebalance count: %w", err)
	}

	record := s.engine.Evaluate(decide.Inputs{
		UserID:              userID,
		Capital:             capital,
		Preference:          pref,
		Opportunities:       opportunities,
		Holdings:            holdings,
		RebalancesUsedToday: used,
		Now:                 s.now().UTC(),
	})

	if record.ShouldExecute && s.autoExecute && s.orchestrator != nil {
		s.execute(ctx, pref, record)
	}

	return record, nil
}

// UpdatePreference stores a user's preference update.
func (s *DecisionService) UpdatePreference(ctx context.Context, pref domain.UserPreference) error {
	pref.UpdatedAt = s.now().UTC()
	if err := s.prefs.Upsert(ctx, pref); err != nil {
		return fmt.Errorf("decision_service: save preference: %w", err)
	}
	return nil
}

// preferenceFor loads the user's preference, creating the default record on
// first contact.
func (s *DecisionService) preferenceFor(ctx context.Context, userID string) (domain.UserPreference, error) {
	pref, err := s.prefs.Get(ctx, userID)
	if err == nil {
		return pref, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.UserPreference{}, fmt.Errorf("decision_service: load preference: %w", err)
	}

	pref = domain.DefaultPreference(userID, s.now().UTC())
	if err := s.prefs.Upsert(ctx, pref); err != nil {
		return domain.UserPreference{}, fmt.Errorf("decision_service: create default preference: %w", err)
	}
	s.logger.InfoContext(ctx, "default preference created", slog.String("user_id", userID))
	return pref, nil
}

// execute dispatches an approved record: exits first to free capital, then
// enters. Size adjustments are reported but not auto-executed; resizing a
// concentrated-liquidity position is an exit+enter the user should confirm.
// One failed dispatch is logged and does not stop the rest.
func (s *DecisionService) execute(ctx context.Context, pref domain.UserPreference, record domain.DecisionRecord) {
	var executed bool

	for _, exit := range record.Exits {
		pos, err := s.store.Get(ctx, exit.PositionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "exit target not found",
				slog.String("position_id", exit.PositionID),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.orchestrator.Liquidate(ctx, pos, "rebalance: "+exit.Reason); err != nil {
			s.logger.ErrorContext(ctx, "rebalance exit failed",
				slog.String("position_id", exit.PositionID),
				slog.String("error", err.Error()))
			continue
		}
		executed = true
	}

	for _, enter := range record.Enters {
		_, err := s.orchestrator.Invest(ctx, orchestrate.InvestParams{
			UserID:        record.UserID,
			Wallet:        common.HexToAddress(pref.Wallet),
			PoolID:        enter.PoolID,
			BaseAsset:     s.baseAsset,
			Amount:        enter.Amount,
			LowerRangePct: enter.LowerRangePct,
			UpperRangePct: enter.UpperRangePct,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "rebalance entry failed",
				slog.String("pool_id", enter.PoolID),
				slog.String("error", err.Error()))
			continue
		}
		executed = true
	}

	if len(record.Adjusts) > 0 {
		s.logger.InfoContext(ctx, "size adjustments proposed but not auto-executed",
			slog.String("user_id", record.UserID),
			slog.Int("count", len(record.Adjusts)))
	}

	if executed {
		if err := s.limiter.Record(ctx, record.UserID); err != nil {
			s.logger.WarnContext(ctx, "rebalance count update failed",
				slog.String("user_id", record.UserID),
				slog.String("error", err.Error()))
		}
	}
}
