package domain

import "time"

// Opportunity is a snapshot of an external liquidity pool as reported by the
// market-data aggregator. Read-only from this core's perspective; the
// aggregator refreshes the cache on its own cadence.
type Opportunity struct {
	PoolID string
	AssetA string
	AssetB string

	// TrailingYieldPct is the trailing fee yield, annualised, in percent.
	TrailingYieldPct float64
	TVLUSD           float64
	Volume24hUSD     float64
	// AgeDays is the number of days since the pool was created.
	AgeDays int

	FetchedAt time.Time
}

// Pair returns the pool's asset pair in "A/B" form for logs and reasons.
func (o Opportunity) Pair() string {
	return o.AssetA + "/" + o.AssetB
}
