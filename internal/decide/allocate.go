package decide

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// allocation is the target amount per pool after the greedy walk.
type allocation struct {
	scoredOpportunity
	Amount decimal.Decimal
}

// allocate walks the scored list best-first, assigning up to the
// per-opportunity cap to each pool until the position count or the capital
// runs out. Remaining capital is parked in the highest-TVL zero-risk pool
// that still has cap headroom; what cannot be parked within the cap is left
// unallocated on purpose.
func allocate(capital decimal.Decimal, scored []scoredOpportunity, pref domain.UserPreference) (allocs []allocation, unallocated decimal.Decimal, reasons []string) {
	remaining := capital
	perPoolCap := pref.MaxPerOpportunity

	for _, s := range scored {
		if remaining.Sign() <= 0 {
			break
		}
		if pref.MaxPositions > 0 && len(allocs) >= pref.MaxPositions {
			reasons = append(reasons, fmt.Sprintf("stopped at max positions (%d)", pref.MaxPositions))
			break
		}

		amount := perPoolCap
		if remaining.LessThan(amount) {
			amount = remaining
		}

		allocs = append(allocs, allocation{scoredOpportunity: s, Amount: amount})
		remaining = remaining.Sub(amount)
	}

	if remaining.Sign() > 0 {
		allocs, remaining, reasons = parkRemainder(allocs, remaining, scored, perPoolCap, reasons)
	}

	if remaining.Sign() > 0 {
		reasons = append(reasons, fmt.Sprintf("%s left unallocated: no zero-risk pool with cap headroom", remaining))
	}

	return allocs, remaining, reasons
}

// parkRemainder places leftover capital in the highest-TVL zero-risk pool,
// preferring pools already selected, never exceeding the per-pool cap.
func parkRemainder(allocs []allocation, remaining decimal.Decimal, scored []scoredOpportunity, perPoolCap decimal.Decimal, reasons []string) ([]allocation, decimal.Decimal, []string) {
	// Already-selected zero-risk pool with headroom first.
	best := -1
	for i, a := range allocs {
		if a.RiskFactorPct != 0 || !a.Amount.LessThan(perPoolCap) {
			continue
		}
		if best == -1 || a.TVLUSD > allocs[best].TVLUSD {
			best = i
		}
	}
	if best >= 0 {
		headroom := perPoolCap.Sub(allocs[best].Amount)
		add := remaining
		if headroom.LessThan(add) {
			add = headroom
		}
		allocs[best].Amount = allocs[best].Amount.Add(add)
		reasons = append(reasons, fmt.Sprintf("parked %s in %s (zero-risk, highest TVL)", add, allocs[best].PoolID))
		return allocs, remaining.Sub(add), reasons
	}

	// Otherwise the best zero-risk candidate among everything that survived
	// the filter but was not selected.
	selected := make(map[string]bool, len(allocs))
	for _, a := range allocs {
		selected[a.PoolID] = true
	}

	var candidate *scoredOpportunity
	for i := range scored {
		s := &scored[i]
		if s.RiskFactorPct != 0 || selected[s.PoolID] {
			continue
		}
		if candidate == nil || s.TVLUSD > candidate.TVLUSD {
			candidate = s
		}
	}
	if candidate == nil {
		return allocs, remaining, reasons
	}

	add := remaining
	if perPoolCap.LessThan(add) {
		add = perPoolCap
	}
	allocs = append(allocs, allocation{scoredOpportunity: *candidate, Amount: add})
	reasons = append(reasons, fmt.Sprintf("parked %s in %s (zero-risk, highest TVL)", add, candidate.PoolID))
	return allocs, remaining.Sub(add), reasons
}
