package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name       string
		ledger     domain.LedgerStatus
		local      domain.PositionStatus
		localKnown bool
		want       domain.PositionStatus
	}{
		{"fresh pending", domain.LedgerStatusPending, "", false, domain.StatusPendingExecution},
		{"fresh active", domain.LedgerStatusActive, "", false, domain.StatusActive},
		{"fresh liquidated", domain.LedgerStatusLiquidated, "", false, domain.StatusLiquidated},

		{"pending stays pending", domain.LedgerStatusPending, domain.StatusPendingExecution, true, domain.StatusPendingExecution},
		{"pending to active", domain.LedgerStatusActive, domain.StatusPendingExecution, true, domain.StatusActive},

		// The ledger keeps reporting "active" until settlement lands. That
		// must not undo an in-flight liquidation.
		{"liquidation_pending survives active report", domain.LedgerStatusActive, domain.StatusLiquidationPending, true, domain.StatusLiquidationPending},
		{"liquidation_pending advances on liquidated report", domain.LedgerStatusLiquidated, domain.StatusLiquidationPending, true, domain.StatusLiquidated},

		// Range state is observed locally; the scan carries no price info.
		{"out_of_range survives active report", domain.LedgerStatusActive, domain.StatusOutOfRange, true, domain.StatusOutOfRange},
		{"out_of_range advances on liquidated report", domain.LedgerStatusLiquidated, domain.StatusOutOfRange, true, domain.StatusLiquidated},

		{"terminal liquidated never moves", domain.LedgerStatusActive, domain.StatusLiquidated, true, domain.StatusLiquidated},
		{"terminal failed never moves", domain.LedgerStatusActive, domain.StatusFailed, true, domain.StatusFailed},
		{"terminal failed survives liquidated report", domain.LedgerStatusLiquidated, domain.StatusFailed, true, domain.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapStatus(tt.ledger, tt.local, tt.localKnown)
			assert.Equal(t, tt.want, got)
		})
	}
}
