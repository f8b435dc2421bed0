package decide

import (
	"fmt"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// plan is the diff between the ideal allocation and the current holdings.
type plan struct {
	Enters  []domain.PlannedEntry
	Exits   []domain.PlannedExit
	Adjusts []domain.PlannedAdjust

	// LossyExitBlocked is set when a position scheduled for exit was held
	// back by the impermanent-loss ceiling.
	LossyExitBlocked bool
}

// diffHoldings turns the target allocation into the minimal action set:
// enter pools not yet held, exit held pools that fell out of the target,
// adjust pools whose target size changed. Exits whose impermanent loss
// exceeds the ceiling are withheld; realizing a possibly-temporary loss is
// worse than holding a sub-optimal pool for another cycle.
func diffHoldings(allocs []allocation, holdings []domain.Holding, pref domain.UserPreference, cfg Config, reasons *[]string) plan {
	target := make(map[string]allocation, len(allocs))
	for _, a := range allocs {
		target[a.PoolID] = a
	}

	held := make(map[string]domain.Holding, len(holdings))
	var p plan

	for _, h := range holdings {
		if !h.Position.Liquidatable() {
			// In-flight positions are invisible to the planner; touching them
			// races the reconciliation layer.
			continue
		}
		held[h.Position.PoolID] = h

		a, wanted := target[h.Position.PoolID]
		if !wanted {
			if h.ImpermanentLossPct > cfg.ILExitCeilingPct {
				p.LossyExitBlocked = true
				*reasons = append(*reasons, fmt.Sprintf(
					"holding %s kept: impermanent loss %.1f%% above ceiling %.1f%%",
					h.Position.ID, h.ImpermanentLossPct, cfg.ILExitCeilingPct))
				continue
			}
			p.Exits = append(p.Exits, domain.PlannedExit{
				PositionID: h.Position.ID,
				PoolID:     h.Position.PoolID,
				Reason:     "pool no longer in target allocation",
			})
			continue
		}

		delta := a.Amount.Sub(h.Position.Principal)
		if delta.Sign() != 0 {
			p.Adjusts = append(p.Adjusts, domain.PlannedAdjust{
				PositionID: h.Position.ID,
				PoolID:     h.Position.PoolID,
				Delta:      delta,
			})
		}
	}

	for _, a := range allocs {
		if _, ok := held[a.PoolID]; ok {
			continue
		}
		p.Enters = append(p.Enters, domain.PlannedEntry{
			PoolID:            a.PoolID,
			Amount:            a.Amount,
			LowerRangePct:     pref.DefaultLowerRangePct,
			UpperRangePct:     pref.DefaultUpperRangePct,
			EffectiveYieldPct: a.EffectiveYieldPct,
		})
	}

	return p
}

// weightedYield computes a value-weighted effective yield.
func weightedYield(values, yields []float64) float64 {
	var total, sum float64
	for i, v := range values {
		total += v
		sum += v * yields[i]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// evaluateGate runs the four rebalance conditions and produces the metrics
// and reason lines the record carries.
func evaluateGate(allocs []allocation, holdings []domain.Holding, p plan, usedToday int, cfg Config, reasons *[]string) (gate domain.RebalanceGate, idealYield, currentYield, estGain30d, actionCost float64) {
	var idealValues, idealYields []float64
	var investedUSD float64
	for _, a := range allocs {
		v := a.Amount.InexactFloat64()
		idealValues = append(idealValues, v)
		idealYields = append(idealYields, a.EffectiveYieldPct)
		investedUSD += v
	}
	idealYield = weightedYield(idealValues, idealYields)

	var curValues, curYields []float64
	for _, h := range holdings {
		curValues = append(curValues, h.ValueUSD)
		curYields = append(curYields, h.EffectiveYieldPct)
	}
	currentYield = weightedYield(curValues, curYields)

	improvement := idealYield - currentYield
	estGain30d = investedUSD * improvement / 100 * 30 / 365

	actions := len(p.Enters) + len(p.Exits) + len(p.Adjusts)
	actionCost = float64(actions) * cfg.ActionCostUSD

	gate.YieldImproves = improvement >= cfg.YieldMarginPct
	if gate.YieldImproves {
		*reasons = append(*reasons, fmt.Sprintf("yield improves %.2fpp (%.2f%% -> %.2f%%)", improvement, currentYield, idealYield))
	} else {
		*reasons = append(*reasons, fmt.Sprintf("yield improvement %.2fpp below margin %.2fpp", improvement, cfg.YieldMarginPct))
	}

	gate.ProfitCoversCost = estGain30d >= cfg.ProfitCostMultiple*actionCost
	if gate.ProfitCoversCost {
		*reasons = append(*reasons, fmt.Sprintf("est. 30d gain $%.2f covers action cost $%.2f at %.0fx", estGain30d, actionCost, cfg.ProfitCostMultiple))
	} else {
		*reasons = append(*reasons, fmt.Sprintf("est. 30d gain $%.2f does not cover action cost $%.2f at %.0fx", estGain30d, actionCost, cfg.ProfitCostMultiple))
	}

	gate.BudgetRemaining = usedToday < cfg.DailyRebalanceCap
	if !gate.BudgetRemaining {
		*reasons = append(*reasons, fmt.Sprintf("daily rebalance cap reached (%d/%d)", usedToday, cfg.DailyRebalanceCap))
	}

	gate.NoLossyExits = !p.LossyExitBlocked
	if !gate.NoLossyExits {
		*reasons = append(*reasons, "blocked: an exit candidate is above the impermanent-loss ceiling")
	}

	return gate, idealYield, currentYield, estGain30d, actionCost
}
