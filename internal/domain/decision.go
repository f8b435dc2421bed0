package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding pairs a live position with the market context the decision engine
// needs: its current value and impermanent loss, plus the effective yield of
// the pool it sits in.
type Holding struct {
	Position Position
	// ValueUSD is the current mark value of the position.
	ValueUSD float64
	// ImpermanentLossPct is the position's current impermanent loss in
	// percent; negative values mean a gain.
	ImpermanentLossPct float64
	// EffectiveYieldPct is the risk-adjusted yield of the pool the position
	// currently occupies.
	EffectiveYieldPct float64
}

// PlannedEntry is a pool the decision engine wants to enter.
type PlannedEntry struct {
	PoolID        string
	Amount        decimal.Decimal
	LowerRangePct int32
	UpperRangePct int32
	// EffectiveYieldPct is the risk-adjusted yield the entry was scored at.
	EffectiveYieldPct float64
}

// PlannedExit is a position the decision engine wants to withdraw.
type PlannedExit struct {
	PositionID string
	PoolID     string
	Reason     string
}

// PlannedAdjust is a size change on a position that stays in place.
type PlannedAdjust struct {
	PositionID string
	PoolID     string
	// Delta is the size change in base units; positive grows the position.
	Delta decimal.Decimal
}

// RebalanceGate records the four conditions that must all hold before a
// rebalance proposal is acted on. Kept as individual flags so callers and
// tests can see exactly which condition blocked execution.
type RebalanceGate struct {
	YieldImproves    bool // ideal weighted yield beats current by the margin
	ProfitCoversCost bool // 30-day gain exceeds action cost by the multiple
	BudgetRemaining  bool // daily rebalance cap not reached
	NoLossyExits     bool // no slated exit breaches the IL ceiling
}

// All reports whether every gate condition holds.
func (g RebalanceGate) All() bool {
	return g.YieldImproves && g.ProfitCoversCost && g.BudgetRemaining && g.NoLossyExits
}

// DecisionRecord is the full output of one decision-engine evaluation:
// the target actions, the metrics they were derived from, and a
// human-readable trail of why the decision will or will not execute.
type DecisionRecord struct {
	UserID      string
	GeneratedAt time.Time

	Enters  []PlannedEntry
	Exits   []PlannedExit
	Adjusts []PlannedAdjust

	// Unallocated is capital that could not be placed within the user's
	// caps, left idle deliberately.
	Unallocated decimal.Decimal

	IdealYieldPct   float64
	CurrentYieldPct float64
	// EstGain30dUSD is the projected 30-day profit from moving to the ideal
	// allocation.
	EstGain30dUSD float64
	// EstActionCostUSD is the projected gas/fee cost of the exit and enter
	// actions required.
	EstActionCostUSD float64

	Gate          RebalanceGate
	ShouldExecute bool
	Reasons       []string
}
