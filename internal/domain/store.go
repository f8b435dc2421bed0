package domain

import (
	"context"
	"time"
)

// PositionStore is the authoritative local cache of position records.
// Implementations must serialize writes per position id, keep Upsert
// idempotent, and enforce the sticky-status rule: a write may never regress
// a position past a sticky state, regardless of arrival order.
type PositionStore interface {
	// Upsert merges a snapshot into the store. Duplicate snapshots are
	// no-ops. A snapshot that would regress a sticky status is silently
	// rejected (debug-logged); a snapshot for a new position referencing a
	// pool not present locally is logged and skipped, not an error.
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, id string) (Position, error)
	// ListByUser returns the user's positions, optionally filtered by
	// status. No filter returns everything.
	ListByUser(ctx context.Context, userID string, statuses ...PositionStatus) ([]Position, error)
	// ListActive returns every position in active or out_of_range state.
	ListActive(ctx context.Context) ([]Position, error)
}

// PositionMirror is the durable write-through target beneath the in-memory
// store, and the source for the warm load at startup.
type PositionMirror interface {
	Save(ctx context.Context, pos Position) error
	LoadAll(ctx context.Context) ([]Position, error)
}

// PositionArchive exposes the rows the cold-storage archiver moves out of
// the durable store.
type PositionArchive interface {
	ListLiquidatedBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
	Prune(ctx context.Context, ids []string) error
}

// PreferenceStore persists user preferences. Preferences are never deleted;
// Upsert supersedes prior values.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (UserPreference, error)
	Upsert(ctx context.Context, pref UserPreference) error
	// ListUserIDs returns every user known to the system; the poll path
	// re-scans custody ground truth for each.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// OpportunityCache holds the aggregator-refreshed pool snapshots.
type OpportunityCache interface {
	Put(ctx context.Context, opp Opportunity) error
	Get(ctx context.Context, poolID string) (Opportunity, error)
	Has(ctx context.Context, poolID string) (bool, error)
	List(ctx context.Context) ([]Opportunity, error)
}

// RebalanceLimiter tracks per-user rebalance executions for the current UTC
// day.
type RebalanceLimiter interface {
	UsedToday(ctx context.Context, userID string) (int, error)
	Record(ctx context.Context, userID string) error
}

// LockManager provides scoped exclusive locks, used to keep concurrent
// manual syncs and the scheduled poll from racing a full re-scan.
type LockManager interface {
	// Acquire returns an unlock func on success, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
