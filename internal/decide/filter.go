package decide

import (
	"fmt"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// filterOpportunities drops every pool that fails a hard constraint: asset
// pair not fully inside the user's allowed set, yield below the user's
// minimum, TVL below the floor, or pool too young. Returns the survivors and
// a reason line per rejection for the decision trail.
func filterOpportunities(opps []domain.Opportunity, pref domain.UserPreference, cfg Config) ([]domain.Opportunity, []string) {
	var kept []domain.Opportunity
	var reasons []string

	for _, opp := range opps {
		switch {
		case !pref.AllowsPair(opp.AssetA, opp.AssetB):
			reasons = append(reasons, fmt.Sprintf("filtered %s (%s): asset pair outside allowed set", opp.PoolID, opp.Pair()))
		case opp.TrailingYieldPct < pref.MinYieldPct:
			reasons = append(reasons, fmt.Sprintf("filtered %s: yield %.2f%% below minimum %.2f%%", opp.PoolID, opp.TrailingYieldPct, pref.MinYieldPct))
		case opp.TVLUSD < cfg.TVLFloorUSD:
			reasons = append(reasons, fmt.Sprintf("filtered %s: TVL $%.0f below floor $%.0f", opp.PoolID, opp.TVLUSD, cfg.TVLFloorUSD))
		case opp.AgeDays < cfg.MinAgeDays:
			reasons = append(reasons, fmt.Sprintf("filtered %s: age %dd below floor %dd", opp.PoolID, opp.AgeDays, cfg.MinAgeDays))
		default:
			kept = append(kept, opp)
		}
	}

	return kept, reasons
}
