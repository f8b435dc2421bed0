package custody

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// investRequestJSON is the wire form of an investment dispatch.
type investRequestJSON struct {
	UserID         string `json:"user_id"`
	Wallet         string `json:"wallet"`
	PoolID         string `json:"pool_id"`
	BaseAsset      string `json:"base_asset"`
	Amount         string `json:"amount"`
	LowerRangePct  int32  `json:"lower_range_pct"`
	UpperRangePct  int32  `json:"upper_range_pct"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ledgerPositionJSON is the wire form of a custody-ledger position. Amounts
// travel as decimal strings; timestamps as RFC 3339.
type ledgerPositionJSON struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	PoolID        string     `json:"pool_id"`
	BaseAsset     string     `json:"base_asset"`
	Amount        string     `json:"amount"`
	LowerRangePct int32      `json:"lower_range_pct"`
	UpperRangePct int32      `json:"upper_range_pct"`
	Status        string     `json:"status"`
	ExecutionID   *string    `json:"execution_id,omitempty"`
	Liquidity     *string    `json:"liquidity,omitempty"`
	Returned      *string    `json:"returned,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	LiquidatedAt  *time.Time `json:"liquidated_at,omitempty"`
}

func (p ledgerPositionJSON) toDomain() (domain.LedgerPosition, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return domain.LedgerPosition{}, fmt.Errorf("parse amount %q: %w", p.Amount, err)
	}

	liquidity, err := parseDecPtr(p.Liquidity)
	if err != nil {
		return domain.LedgerPosition{}, fmt.Errorf("parse liquidity: %w", err)
	}
	returned, err := parseDecPtr(p.Returned)
	if err != nil {
		return domain.LedgerPosition{}, fmt.Errorf("parse returned: %w", err)
	}

	status := domain.LedgerStatus(p.Status)
	switch status {
	case domain.LedgerStatusPending, domain.LedgerStatusActive, domain.LedgerStatusLiquidated:
	default:
		return domain.LedgerPosition{}, fmt.Errorf("unknown ledger status %q", p.Status)
	}

	return domain.LedgerPosition{
		ID:            p.ID,
		UserID:        p.UserID,
		PoolID:        p.PoolID,
		BaseAsset:     p.BaseAsset,
		Amount:        amount,
		LowerRangePct: p.LowerRangePct,
		UpperRangePct: p.UpperRangePct,
		Status:        status,
		ExecutionID:   p.ExecutionID,
		Liquidity:     liquidity,
		Returned:      returned,
		CreatedAt:     p.CreatedAt,
		ExecutedAt:    p.ExecutedAt,
		LiquidatedAt:  p.LiquidatedAt,
	}, nil
}

func parseDecPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", *s, err)
	}
	return &d, nil
}
