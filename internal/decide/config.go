// Package decide implements the investment decision engine: a pure function
// from capital, pool snapshots, user preference, and current holdings to a
// decision record. It performs no I/O and never writes position state.
package decide

// Config carries the tunable thresholds of the decision engine.
type Config struct {
	// TVLFloorUSD filters out pools below this total value locked.
	TVLFloorUSD float64
	// MinAgeDays filters out pools younger than this.
	MinAgeDays int

	// YieldMarginPct is the minimum improvement of ideal weighted yield over
	// current weighted yield, in percentage points, for a rebalance to pass.
	YieldMarginPct float64
	// ProfitCostMultiple is how many times the projected 30-day gain must
	// exceed the action cost.
	ProfitCostMultiple float64
	// DailyRebalanceCap is the per-user limit on executed rebalances per UTC
	// day.
	DailyRebalanceCap int
	// ILExitCeilingPct blocks exits for positions whose impermanent loss
	// exceeds this, to avoid realizing a loss that might be temporary.
	ILExitCeilingPct float64
	// ActionCostUSD is the estimated gas/fee cost of a single exit, enter,
	// or adjust action.
	ActionCostUSD float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TVLFloorUSD:        1_000_000,
		MinAgeDays:         14,
		YieldMarginPct:     0.7,
		ProfitCostMultiple: 4.0,
		DailyRebalanceCap:  8,
		ILExitCeilingPct:   6.0,
		ActionCostUSD:      5.0,
	}
}
