// Package reconcile keeps the local position cache consistent with the two
// external ledgers, by consuming the custody event stream (fast path) and by
// periodically re-scanning custody ground truth (slow path).
package reconcile

import (
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// MapStatus translates the custody ledger's coarse three-way status into the
// local six-way lifecycle state, given what is already known locally.
//
// The ledger cannot express a range breach or an in-flight liquidation, so
// two pieces of local knowledge override its report:
//
//   - a sticky local status (liquidation_pending, or any terminal state)
//     survives anything short of a "liquidated" report;
//   - out_of_range survives an "active" report, because range state is
//     observed locally and the scan carries no price information.
//
// localKnown is false when the position is not in the local cache at all, in
// which case the raw mapping applies.
func MapStatus(ledger domain.LedgerStatus, local domain.PositionStatus, localKnown bool) domain.PositionStatus {
	var mapped domain.PositionStatus
	switch ledger {
	case domain.LedgerStatusPending:
		mapped = domain.StatusPendingExecution
	case domain.LedgerStatusActive:
		mapped = domain.StatusActive
	case domain.LedgerStatusLiquidated:
		mapped = domain.StatusLiquidated
	default:
		mapped = domain.StatusPendingExecution
	}

	if !localKnown {
		return mapped
	}

	if local.Sticky() && mapped != domain.StatusLiquidated {
		return local
	}
	if local.Terminal() {
		return local
	}
	if local == domain.StatusOutOfRange && mapped == domain.StatusActive {
		return local
	}

	return mapped
}

// mergeScan builds the position snapshot to upsert from a ledger scan row and
// the local record, if any. The mapped status comes from MapStatus; amounts
// and identifiers come from the ledger row, which is ground truth for
// everything the custody side knows about.
func mergeScan(lp domain.LedgerPosition, local domain.Position, localKnown bool) domain.Position {
	status := MapStatus(lp.Status, local.Status, localKnown)

	return domain.Position{
		ID:            lp.ID,
		UserID:        lp.UserID,
		PoolID:        lp.PoolID,
		BaseAsset:     lp.BaseAsset,
		Principal:     lp.Amount,
		LowerRangePct: lp.LowerRangePct,
		UpperRangePct: lp.UpperRangePct,
		Status:        status,
		ExecutionID:   lp.ExecutionID,
		Liquidity:     lp.Liquidity,
		Returned:      lp.Returned,
		CreatedAt:     lp.CreatedAt,
		ExecutedAt:    lp.ExecutedAt,
		LiquidatedAt:  lp.LiquidatedAt,
	}
}
