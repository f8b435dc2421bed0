package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the custody-side lifecycle state of a position as tracked
// locally. It is richer than the custody ledger's own three-way status: the
// ledger cannot express an in-flight liquidation or a range breach, so the
// local cache layers those states on top.
type PositionStatus string

const (
	// StatusPendingExecution: the custody ledger has earmarked funds and a
	// cross-ledger message is in flight; the execution side has not confirmed.
	StatusPendingExecution PositionStatus = "pending_execution"
	// StatusActive: the execution ledger confirmed the position is live.
	StatusActive PositionStatus = "active"
	// StatusOutOfRange: the position is live but its price has left the
	// configured range. Optional intermediate before liquidation.
	StatusOutOfRange PositionStatus = "out_of_range"
	// StatusLiquidationPending: a liquidation was dispatched on (or completed
	// by) the execution ledger, but the custody ledger has not settled the
	// returned funds yet. Sticky: ground-truth re-scans must not regress it.
	StatusLiquidationPending PositionStatus = "liquidation_pending"
	// StatusLiquidated: the custody ledger settled the return. Terminal.
	StatusLiquidated PositionStatus = "liquidated"
	// StatusFailed: dispatch or execution confirmation failed. Terminal.
	StatusFailed PositionStatus = "failed"
)

// statusRank orders lifecycle states along the progression graph. Used to
// reject backward writes; the single allowed backward edge
// (out_of_range -> active, price back in range) is special-cased in
// CanTransition.
var statusRank = map[PositionStatus]int{
	StatusPendingExecution:   0,
	StatusActive:             1,
	StatusOutOfRange:         2,
	StatusLiquidationPending: 3,
	StatusLiquidated:         4,
	StatusFailed:             4,
}

// Rank returns the position of a status along the lifecycle graph. Unknown
// statuses rank below everything so they can never displace a known state.
func (s PositionStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether the status is an end state.
func (s PositionStatus) Terminal() bool {
	return s == StatusLiquidated || s == StatusFailed
}

// Sticky reports whether the status must survive a less-advanced observation
// from the custody ledger. liquidation_pending is sticky because the ledger
// keeps reporting "active" until settlement lands; terminal states are sticky
// by definition.
func (s PositionStatus) Sticky() bool {
	return s == StatusLiquidationPending || s.Terminal()
}

// transitions is the lifecycle edge set. out_of_range -> active is the
// recovery edge (price re-entered the range before liquidation fired).
var transitions = map[PositionStatus][]PositionStatus{
	StatusPendingExecution:   {StatusActive, StatusFailed},
	StatusActive:             {StatusOutOfRange, StatusLiquidationPending},
	StatusOutOfRange:         {StatusActive, StatusLiquidationPending},
	StatusLiquidationPending: {StatusLiquidated},
}

// CanTransition reports whether moving from to next is a legal lifecycle edge.
// A self-transition is always allowed (idempotent re-application).
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Position is a single unit of deployed liquidity capital. The identifier is
// assigned by the custody ledger; execution-side identifiers arrive later via
// reconciliation. Principal and range bounds are immutable after creation.
type Position struct {
	ID        string
	UserID    string
	PoolID    string
	BaseAsset string

	// Principal is the deployed amount in the smallest unit of BaseAsset.
	Principal     decimal.Decimal
	LowerRangePct int32
	UpperRangePct int32

	Status PositionStatus

	// ExecutionID is the execution-ledger position identifier, nil until the
	// execution side confirms.
	ExecutionID *string
	// Liquidity is the execution-side liquidity figure reported at
	// confirmation, nil until then.
	Liquidity *decimal.Decimal
	// Returned is the amount coming back to the custody side. Set to the
	// execution-side estimate at liquidation, overwritten by the
	// custody-settled amount, which is ground truth.
	Returned *decimal.Decimal

	CreatedAt    time.Time
	ExecutedAt   *time.Time
	LiquidatedAt *time.Time
}

// Liquidatable reports whether the position can be sent for liquidation on
// the execution ledger.
func (p Position) Liquidatable() bool {
	return (p.Status == StatusActive || p.Status == StatusOutOfRange) && p.ExecutionID != nil
}

// Equal reports whether two position snapshots carry the same observable
// state. Used by the store to make Upsert a no-op for duplicate deliveries.
func (p Position) Equal(o Position) bool {
	return p.ID == o.ID &&
		p.UserID == o.UserID &&
		p.PoolID == o.PoolID &&
		p.BaseAsset == o.BaseAsset &&
		p.Principal.Equal(o.Principal) &&
		p.LowerRangePct == o.LowerRangePct &&
		p.UpperRangePct == o.UpperRangePct &&
		p.Status == o.Status &&
		eqStrPtr(p.ExecutionID, o.ExecutionID) &&
		eqDecPtr(p.Liquidity, o.Liquidity) &&
		eqDecPtr(p.Returned, o.Returned) &&
		p.CreatedAt.Equal(o.CreatedAt) &&
		eqTimePtr(p.ExecutedAt, o.ExecutedAt) &&
		eqTimePtr(p.LiquidatedAt, o.LiquidatedAt)
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqDecPtr(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// LedgerStatus is the custody ledger's coarse three-way position status. The
// reconciliation layer maps it into the richer local PositionStatus.
type LedgerStatus string

const (
	LedgerStatusPending    LedgerStatus = "pending"
	LedgerStatusActive     LedgerStatus = "active"
	LedgerStatusLiquidated LedgerStatus = "liquidated"
)
