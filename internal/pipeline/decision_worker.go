package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rangekeeperhq/rangekeeper/internal/decide"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/service"
)

// DecisionWorker evaluates every known user's allocation on a schedule. It
// gathers the inputs the decision service needs: free capital from the
// custody ledger and the user's live positions marked against current pool
// data.
type DecisionWorker struct {
	decisions *service.DecisionService
	prefs     domain.PreferenceStore
	custody   domain.CustodyGateway
	store     domain.PositionStore
	opps      domain.OpportunityCache
	logger    *slog.Logger
}

// NewDecisionWorker creates a DecisionWorker.
func NewDecisionWorker(
	decisions *service.DecisionService,
	prefs domain.PreferenceStore,
	custody domain.CustodyGateway,
	store domain.PositionStore,
	opps domain.OpportunityCache,
	logger *slog.Logger,
) *DecisionWorker {
	return &DecisionWorker{
		decisions: decisions,
		prefs:     prefs,
		custody:   custody,
		store:     store,
		opps:      opps,
		logger:    logger.With(slog.String("component", "decision_worker")),
	}
}

// RunOnce evaluates every user. One user's failure is logged and does not
// stop the rest.
func (w *DecisionWorker) RunOnce(ctx context.Context) error {
	users, err := w.prefs.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: list users: %w", err)
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.evaluateUser(ctx, userID); err != nil {
			w.logger.ErrorContext(ctx, "decision evaluation failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

func (w *DecisionWorker) evaluateUser(ctx context.Context, userID string) error {
	capital, err := w.custody.GetAvailableBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("available balance: %w", err)
	}

	holdings, err := w.markHoldings(ctx, userID)
	if err != nil {
		return fmt.Errorf("mark holdings: %w", err)
	}

	record, err := w.decisions.RunDecisionForUser(ctx, userID, capital, holdings)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "decision evaluated",
		slog.String("user_id", userID),
		slog.Bool("should_execute", record.ShouldExecute),
		slog.Int("enters", len(record.Enters)),
		slog.Int("exits", len(record.Exits)),
		slog.Int("adjusts", len(record.Adjusts)),
		slog.String("unallocated", record.Unallocated.String()))
	for _, reason := range record.Reasons {
		w.logger.DebugContext(ctx, "decision reason",
			slog.String("user_id", userID),
			slog.String("reason", reason))
	}

	return nil
}

// markHoldings builds the holding set from the user's live positions. Value
// is marked at principal in the base stable asset; impermanent loss is zero
// here because the worker carries no price oracle, so exit protection falls
// to the orchestrator's minimum-out slippage bound.
func (w *DecisionWorker) markHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	positions, err := w.store.ListByUser(ctx, userID, domain.StatusActive, domain.StatusOutOfRange)
	if err != nil {
		return nil, err
	}

	holdings := make([]domain.Holding, 0, len(positions))
	for _, pos := range positions {
		h := domain.Holding{
			Position: pos,
			ValueUSD: pos.Principal.InexactFloat64(),
		}
		opp, err := w.opps.Get(ctx, pos.PoolID)
		if err == nil {
			h.EffectiveYieldPct = decide.EffectiveYield(opp)
		} else {
			// Pool dropped out of the aggregator snapshot; a zero yield makes
			// the position a natural exit candidate.
			w.logger.DebugContext(ctx, "no pool snapshot for holding",
				slog.String("pool_id", pos.PoolID),
				slog.String("position_id", pos.ID))
		}
		holdings = append(holdings, h)
	}

	return holdings, nil
}
