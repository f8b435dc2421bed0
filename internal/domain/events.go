package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies a ledger-emitted lifecycle notification. Delivery is
// at-least-once and unordered across kinds; every handler must be idempotent.
type EventKind string

const (
	// EventInvestmentInitiated: the custody ledger earmarked funds and
	// dispatched the cross-ledger investment message.
	EventInvestmentInitiated EventKind = "investment_initiated"
	// EventExecutionConfirmed: the execution ledger opened the position and
	// reported its identifiers back.
	EventExecutionConfirmed EventKind = "execution_confirmed"
	// EventLiquidationCompleted: the execution ledger closed the position
	// and started returning funds. Settlement on the custody side is a
	// separate, later event.
	EventLiquidationCompleted EventKind = "liquidation_completed"
	// EventLiquidationSettled: the custody ledger credited the returned
	// funds. The amount on this event is ground truth.
	EventLiquidationSettled EventKind = "liquidation_settled"
	// EventInvestmentFailed: the dispatch or execution-side confirmation
	// failed permanently.
	EventInvestmentFailed EventKind = "investment_failed"
)

// LedgerEvent is the decoded form of a ledger notification. Field meaning
// varies by kind: Amount is the principal for investment events, the
// execution-side estimate for liquidation_completed, and the custody-settled
// amount for liquidation_settled.
type LedgerEvent struct {
	ID         string
	Kind       EventKind
	PositionID string
	UserID     string
	PoolID     string

	ExecutionID string
	Amount      decimal.Decimal
	Liquidity   decimal.Decimal
	Reason      string

	EmittedAt time.Time
}
