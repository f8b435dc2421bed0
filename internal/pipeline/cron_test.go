package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 8, 28, 2, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"daily at 3am", "0 3 * * *", time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)},
		{"every minute", "* * * * *", time.Date(2026, 8, 28, 2, 31, 0, 0, time.UTC)},
		{"quarter-hour step", "*/15 * * * *", time.Date(2026, 8, 28, 2, 45, 0, 0, time.UTC)},
		{"first of month", "0 3 1 * *", time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)},
		{"hour range", "0 4-6 * * *", time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)},
		{"comma list", "10,50 2 * * *", time.Date(2026, 8, 28, 2, 50, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextCronTimeRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"", "0 3 * *", "61x * * * *", "*/0 * * * *", "5-1 * * * *"} {
		_, err := nextCronTime(expr, time.Now())
		assert.Error(t, err, "expr %q", expr)
	}
}
