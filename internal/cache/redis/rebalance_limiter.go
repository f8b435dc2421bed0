package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// RebalanceLimiter implements domain.RebalanceLimiter with one Redis counter
// per user per UTC day. Keys expire shortly after midnight so the budget
// resets without a sweeper.
type RebalanceLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRebalanceLimiter creates a RebalanceLimiter backed by the given Client.
func NewRebalanceLimiter(c *Client) *RebalanceLimiter {
	return &RebalanceLimiter{rdb: c.Underlying(), now: time.Now}
}

func rebalanceKey(userID string, day time.Time) string {
	return "rebalance:" + userID + ":" + day.Format("2006-01-02")
}

// UsedToday returns how many rebalances the user executed this UTC day.
func (rl *RebalanceLimiter) UsedToday(ctx context.Context, userID string) (int, error) {
	key := rebalanceKey(userID, rl.now().UTC())
	n, err := rl.rdb.Get(ctx, key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: rebalance count %s: %w", userID, err)
	}
	return n, nil
}

// Record counts one executed rebalance against today's budget.
func (rl *RebalanceLimiter) Record(ctx context.Context, userID string) error {
	now := rl.now().UTC()
	key := rebalanceKey(userID, now)
	endOfDay := now.Truncate(24 * time.Hour).Add(25 * time.Hour)

	pipe := rl.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, endOfDay)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record rebalance %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RebalanceLimiter = (*RebalanceLimiter)(nil)
