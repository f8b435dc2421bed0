package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskTier buckets users by appetite. It drives the default range width and
// is surfaced in decision reasons; the hard numeric limits live in the
// preference fields themselves.
type RiskTier string

const (
	RiskTierConservative RiskTier = "conservative"
	RiskTierBalanced     RiskTier = "balanced"
	RiskTierAggressive   RiskTier = "aggressive"
)

// UserPreference is the per-user decision configuration. Created with
// defaults on first use, superseded (never deleted) by explicit updates.
type UserPreference struct {
	UserID string
	// Wallet is the user's custody-chain address, the destination for
	// settled returns.
	Wallet string

	// MinYieldPct is the minimum acceptable trailing yield, in percent.
	MinYieldPct float64
	// MaxPerOpportunity caps the amount allocated to a single pool, in the
	// smallest unit of the base asset.
	MaxPerOpportunity decimal.Decimal
	// MaxPositions caps how many pools the user holds at once.
	MaxPositions int
	// AllowedAssets is the set of asset symbols the user accepts exposure
	// to. A pool qualifies only if both legs are in this set.
	AllowedAssets []string

	RiskTier RiskTier

	DefaultLowerRangePct int32
	DefaultUpperRangePct int32

	// RebalanceCadence is the minimum interval between decision evaluations
	// for this user.
	RebalanceCadence time.Duration

	UpdatedAt time.Time
}

// AllowsPair reports whether both legs of a pool are in the user's allowed
// asset set. An empty set allows nothing.
func (p UserPreference) AllowsPair(assetA, assetB string) bool {
	allowed := make(map[string]bool, len(p.AllowedAssets))
	for _, a := range p.AllowedAssets {
		allowed[a] = true
	}
	return allowed[assetA] && allowed[assetB]
}

// DefaultPreference returns the preference record created for a user on
// first contact.
func DefaultPreference(userID string, now time.Time) UserPreference {
	return UserPreference{
		UserID:               userID,
		MinYieldPct:          5.0,
		MaxPerOpportunity:    decimal.NewFromInt(10_000),
		MaxPositions:         5,
		AllowedAssets:        []string{"USDC", "USDT", "ETH", "WETH", "BTC", "WBTC", "SOL"},
		RiskTier:             RiskTierBalanced,
		DefaultLowerRangePct: -10,
		DefaultUpperRangePct: 10,
		RebalanceCadence:     24 * time.Hour,
		UpdatedAt:            now,
	}
}
