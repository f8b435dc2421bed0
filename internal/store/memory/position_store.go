// Package memory implements the authoritative in-process position cache.
// Writes are serialized per position id; reads are snapshot-based and never
// block writers on other records.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// record holds one position. mu serializes writers; the atomic pointer lets
// readers take a consistent snapshot without locking.
type record struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.Position]
}

// PositionStore implements domain.PositionStore. It is the single source of
// truth for lifecycle state inside the process; the optional mirror receives
// a write-through copy of every accepted merge.
type PositionStore struct {
	mu      sync.RWMutex
	records map[string]*record

	opps   domain.OpportunityCache
	mirror domain.PositionMirror
	logger *slog.Logger
}

// NewPositionStore creates the store. opps is consulted before admitting a
// previously unknown position (foreign-key gap check); mirror, when non-nil,
// receives every accepted write. Both may be nil in tests.
func NewPositionStore(opps domain.OpportunityCache, mirror domain.PositionMirror, logger *slog.Logger) *PositionStore {
	return &PositionStore{
		records: make(map[string]*record),
		opps:    opps,
		mirror:  mirror,
		logger:  logger.With(slog.String("component", "position_store")),
	}
}

// WarmLoad populates the cache from the durable mirror. Called once at
// startup, before any writer runs.
func (s *PositionStore) WarmLoad(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	positions, err := s.mirror.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("memory: warm load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range positions {
		p := positions[i]
		r := &record{}
		r.snap.Store(&p)
		s.records[p.ID] = r
	}
	s.logger.Info("position cache warmed", slog.Int("count", len(positions)))
	return nil
}

// Upsert merges a snapshot into the store. See domain.PositionStore for the
// merge contract: idempotent, sticky-status preserving, and tolerant of
// foreign-key gaps.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	if pos.ID == "" {
		return fmt.Errorf("memory: upsert: empty position id")
	}

	r, ok := s.lookup(pos.ID)
	if !ok {
		if !s.poolKnown(ctx, pos.PoolID) {
			// Not yet synced, not an error: the poll path will retry once
			// the opportunity cache catches up.
			s.logger.Warn("skipping position with unknown pool",
				slog.String("position_id", pos.ID),
				slog.String("pool_id", pos.PoolID),
			)
			return nil
		}
		r = s.admit(pos.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	merged := pos
	if cur != nil {
		if cur.Equal(pos) {
			return nil
		}
		if pos.Status != cur.Status && !cur.Status.CanTransition(pos.Status) {
			// Expected race: a lagging observation (typically the poll path
			// reporting "active" for a position already pending settlement)
			// must not regress the lifecycle.
			s.logger.Debug("rejecting stale status transition",
				slog.String("position_id", pos.ID),
				slog.String("have", string(cur.Status)),
				slog.String("got", string(pos.Status)),
			)
			return nil
		}
		merged = mergeSnapshots(*cur, pos)
		if cur.Equal(merged) {
			return nil
		}
	}

	r.snap.Store(&merged)

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, merged); err != nil {
			// The cache stays authoritative; the mirror heals on the next
			// accepted write or warm load.
			s.logger.Error("mirror save failed",
				slog.String("position_id", merged.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Get returns a snapshot of the position or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	r, ok := s.lookup(id)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	snap := r.snap.Load()
	if snap == nil {
		return domain.Position{}, domain.ErrNotFound
	}
	return *snap, nil
}

// ListByUser returns the user's positions, newest first, optionally filtered
// by status.
func (s *PositionStore) ListByUser(ctx context.Context, userID string, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	want := make(map[domain.PositionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.collect(func(p domain.Position) bool {
		if p.UserID != userID {
			return false
		}
		return len(want) == 0 || want[p.Status]
	}), nil
}

// ListActive returns every position the stop-loss monitor should watch.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	return s.collect(func(p domain.Position) bool {
		return p.Status == domain.StatusActive || p.Status == domain.StatusOutOfRange
	}), nil
}

func (s *PositionStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *PositionStore) admit(id string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r
	}
	r := &record{}
	s.records[id] = r
	return r
}

func (s *PositionStore) poolKnown(ctx context.Context, poolID string) bool {
	if s.opps == nil {
		return true
	}
	ok, err := s.opps.Has(ctx, poolID)
	if err != nil {
		s.logger.Warn("pool lookup failed, treating as unknown",
			slog.String("pool_id", poolID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

func (s *PositionStore) collect(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	var out []domain.Position
	for _, r := range records {
		snap := r.snap.Load()
		if snap != nil && keep(*snap) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// mergeSnapshots folds an incoming observation into the current record.
// Identity and creation-time fields are immutable; pointer fields accumulate
// (a nil incoming field never erases an observed value), and a non-nil
// incoming field overwrites, which is how the custody-settled amount
// replaces the execution-side estimate.
func mergeSnapshots(cur, in domain.Position) domain.Position {
	out := cur
	out.Status = in.Status

	if in.ExecutionID != nil {
		out.ExecutionID = in.ExecutionID
	}
	if in.Liquidity != nil {
		out.Liquidity = in.Liquidity
	}
	if in.Returned != nil {
		out.Returned = in.Returned
	}
	if in.ExecutedAt != nil {
		out.ExecutedAt = in.ExecutedAt
	}
	if in.LiquidatedAt != nil {
		out.LiquidatedAt = in.LiquidatedAt
	}
	return out
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
