package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// opportunityTTL bounds how long a pool snapshot is served after the
// aggregator stops refreshing it. A pool that ages out of the cache is
// treated as "not present locally" by the position store.
const opportunityTTL = 30 * time.Minute

// OpportunityCache implements domain.OpportunityCache using Redis strings
// with JSON-serialized snapshots and a set index of known pool ids.
//
// Key schema:
//
//	opportunity:{poolID} - JSON snapshot, TTL'd
//	opportunity:ids      - set of pool ids ever written (membership checked
//	                       against the TTL'd key on read)
type OpportunityCache struct {
	rdb *redis.Client
}

// NewOpportunityCache creates an OpportunityCache backed by the given Client.
func NewOpportunityCache(c *Client) *OpportunityCache {
	return &OpportunityCache{rdb: c.Underlying()}
}

func opportunityKey(poolID string) string { return "opportunity:" + poolID }

const opportunityIndexKey = "opportunity:ids"

// Put stores a pool snapshot and indexes its id.
func (oc *OpportunityCache) Put(ctx context.Context, opp domain.Opportunity) error {
	data, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("redis: marshal opportunity %s: %w", opp.PoolID, err)
	}

	pipe := oc.rdb.TxPipeline()
	pipe.Set(ctx, opportunityKey(opp.PoolID), data, opportunityTTL)
	pipe.SAdd(ctx, opportunityIndexKey, opp.PoolID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put opportunity %s: %w", opp.PoolID, err)
	}
	return nil
}

// Get retrieves a pool snapshot by id. Returns domain.ErrNotFound when the
// snapshot is missing or expired.
func (oc *OpportunityCache) Get(ctx context.Context, poolID string) (domain.Opportunity, error) {
	data, err := oc.rdb.Get(ctx, opportunityKey(poolID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("redis: get opportunity %s: %w", poolID, err)
	}

	var opp domain.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return domain.Opportunity{}, fmt.Errorf("redis: unmarshal opportunity %s: %w", poolID, err)
	}
	return opp, nil
}

// Has reports whether a live snapshot exists for the pool.
func (oc *OpportunityCache) Has(ctx context.Context, poolID string) (bool, error) {
	n, err := oc.rdb.Exists(ctx, opportunityKey(poolID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check opportunity %s: %w", poolID, err)
	}
	return n > 0, nil
}

// List returns every live pool snapshot. Expired index members are cleaned
// up as a side effect.
func (oc *OpportunityCache) List(ctx context.Context) ([]domain.Opportunity, error) {
	ids, err := oc.rdb.SMembers(ctx, opportunityIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list opportunity ids: %w", err)
	}

	var out []domain.Opportunity
	for _, id := range ids {
		opp, err := oc.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			_ = oc.rdb.SRem(ctx, opportunityIndexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, opp)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.OpportunityCache = (*OpportunityCache)(nil)
