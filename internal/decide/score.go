package decide

import (
	"sort"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// assetCategory buckets an asset symbol for impermanent-loss classification.
type assetCategory int

const (
	categoryStable assetCategory = iota
	categoryBluechip
	categoryMidcap
	categoryOther
)

var assetCategories = map[string]assetCategory{
	"USDC": categoryStable,
	"USDT": categoryStable,
	"DAI":  categoryStable,
	"FRAX": categoryStable,
	"LUSD": categoryStable,

	"ETH":  categoryBluechip,
	"WETH": categoryBluechip,
	"BTC":  categoryBluechip,
	"WBTC": categoryBluechip,

	"SOL":   categoryMidcap,
	"AVAX":  categoryMidcap,
	"MATIC": categoryMidcap,
	"LINK":  categoryMidcap,
	"UNI":   categoryMidcap,
	"ARB":   categoryMidcap,
	"OP":    categoryMidcap,
}

func categoryOf(symbol string) assetCategory {
	if c, ok := assetCategories[symbol]; ok {
		return c
	}
	return categoryOther
}

// riskFactorPct is the impermanent-loss discount for an asset pair, in
// percent of yield.
//
//	stable/stable   ->  0%
//	bluechip/stable ->  8%
//	midcap/stable   -> 18%
//	anything else   -> 30%
func riskFactorPct(assetA, assetB string) float64 {
	a, b := categoryOf(assetA), categoryOf(assetB)
	if a > b {
		a, b = b, a
	}

	switch {
	case a == categoryStable && b == categoryStable:
		return 0
	case a == categoryStable && b == categoryBluechip:
		return 8
	case a == categoryStable && b == categoryMidcap:
		return 18
	default:
		return 30
	}
}

// EffectiveYield returns the risk-adjusted yield of a pool snapshot, the
// same figure the engine scores with. Exposed for callers that need to mark
// existing holdings against current pool data.
func EffectiveYield(opp domain.Opportunity) float64 {
	risk := riskFactorPct(opp.AssetA, opp.AssetB)
	return opp.TrailingYieldPct * (1 - risk/100)
}

// scoredOpportunity is a pool with its risk-adjusted yield.
type scoredOpportunity struct {
	domain.Opportunity
	RiskFactorPct     float64
	EffectiveYieldPct float64
}

// scoreOpportunities computes effective yield for each pool and sorts
// descending. Ties break by TVL then pool id so the ordering is
// deterministic.
func scoreOpportunities(opps []domain.Opportunity) []scoredOpportunity {
	scored := make([]scoredOpportunity, 0, len(opps))
	for _, opp := range opps {
		risk := riskFactorPct(opp.AssetA, opp.AssetB)
		scored = append(scored, scoredOpportunity{
			Opportunity:       opp,
			RiskFactorPct:     risk,
			EffectiveYieldPct: opp.TrailingYieldPct * (1 - risk/100),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].EffectiveYieldPct != scored[j].EffectiveYieldPct {
			return scored[i].EffectiveYieldPct > scored[j].EffectiveYieldPct
		}
		if scored[i].TVLUSD != scored[j].TVLUSD {
			return scored[i].TVLUSD > scored[j].TVLUSD
		}
		return scored[i].PoolID < scored[j].PoolID
	})

	return scored
}
