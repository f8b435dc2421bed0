package decide

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Inputs is everything one evaluation depends on. The engine reads nothing
// else: identical inputs produce an identical record.
type Inputs struct {
	UserID     string
	Capital    decimal.Decimal
	Preference domain.UserPreference

	Opportunities []domain.Opportunity
	Holdings      []domain.Holding

	// RebalancesUsedToday is the user's executed-rebalance count for the
	// current UTC day, fetched by the caller.
	RebalancesUsedToday int

	Now time.Time
}

// Engine evaluates opportunities into decision records. It is stateless
// beyond its configuration.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "decision_engine")),
	}
}

// Evaluate runs the three stages (filter, score, allocate), diffs the result
// against current holdings, and applies the rebalance gate. It never returns
// an error: "nothing to do" is a valid record with ShouldExecute false and
// the reasons spelling out why.
func (e *Engine) Evaluate(in Inputs) domain.DecisionRecord {
	record := domain.DecisionRecord{
		UserID:      in.UserID,
		GeneratedAt: in.Now,
	}

	filtered, reasons := filterOpportunities(in.Opportunities, in.Preference, e.cfg)
	record.Reasons = reasons

	if len(filtered) == 0 {
		record.Unallocated = in.Capital
		record.Reasons = append(record.Reasons, "no eligible opportunities")
		return record
	}

	scored := scoreOpportunities(filtered)

	allocs, unallocated, allocReasons := allocate(in.Capital, scored, in.Preference)
	record.Unallocated = unallocated
	record.Reasons = append(record.Reasons, allocReasons...)

	p := diffHoldings(allocs, in.Holdings, in.Preference, e.cfg, &record.Reasons)
	record.Enters = p.Enters
	record.Exits = p.Exits
	record.Adjusts = p.Adjusts

	gate, idealYield, currentYield, gain, cost := evaluateGate(allocs, in.Holdings, p, in.RebalancesUsedToday, e.cfg, &record.Reasons)
	record.Gate = gate
	record.IdealYieldPct = idealYield
	record.CurrentYieldPct = currentYield
	record.EstGain30dUSD = gain
	record.EstActionCostUSD = cost
	record.ShouldExecute = gate.All()

	if len(record.Enters) == 0 && len(record.Exits) == 0 && len(record.Adjusts) == 0 {
		record.ShouldExecute = false
		record.Reasons = append(record.Reasons, "already at target allocation")
	}

	e.logger.Debug("decision evaluated",
		slog.String("user_id", in.UserID),
		slog.Int("enters", len(record.Enters)),
		slog.Int("exits", len(record.Exits)),
		slog.Int("adjusts", len(record.Adjusts)),
		slog.Bool("should_execute", record.ShouldExecute))

	return record
}
