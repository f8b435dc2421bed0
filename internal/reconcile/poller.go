package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Poller is the slow reconciliation path: it re-scans custody ground truth
// for every known user and upserts what it finds. The scan heals whatever the
// event stream missed; the sticky-status rules keep it from regressing state
// the stream already advanced.
type Poller struct {
	custody  domain.CustodyGateway
	store    domain.PositionStore
	prefs    domain.PreferenceStore
	notifier Notifier
	logger   *slog.Logger

	// stalePendingAfter is how long a position may sit in liquidation_pending
	// before the poller raises a warning. Settlement normally lands within
	// minutes; anything longer needs an operator.
	stalePendingAfter time.Duration

	mu           sync.Mutex
	lastRun      time.Time
	pendingSince map[string]time.Time
	warned       map[string]bool

	now func() time.Time
}

// NewPoller creates a ground-truth poller. notifier may be nil.
func NewPoller(custody domain.CustodyGateway, store domain.PositionStore, prefs domain.PreferenceStore, notifier Notifier, stalePendingAfter time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		custody:           custody,
		store:             store,
		prefs:             prefs,
		notifier:          notifier,
		stalePendingAfter: stalePendingAfter,
		pendingSince:      make(map[string]time.Time),
		warned:            make(map[string]bool),
		logger:            logger.With(slog.String("component", "ledger_poller")),
		now:               time.Now,
	}
}

// SyncAll scans every known user. One user's failure does not stop the rest;
// only the user enumeration itself is fatal to the cycle.
func (p *Poller) SyncAll(ctx context.Context) error {
	userIDs, err := p.prefs.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list users: %w", err)
	}

	var failed int
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.SyncUser(ctx, userID); err != nil {
			failed++
			p.logger.ErrorContext(ctx, "user scan failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}

	p.checkStalePending(ctx)

	p.mu.Lock()
	p.lastRun = p.now()
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "ground-truth scan complete",
		slog.Int("users", len(userIDs)),
		slog.Int("failed", failed))
	return nil
}

// SyncUser scans one user's custody positions and upserts them. A single
// undecodable or unwritable position is logged and skipped.
func (p *Poller) SyncUser(ctx context.Context, userID string) error {
	ledgerPositions, err := p.custody.ListPositions(ctx, userID)
	if err != nil {
		return fmt.Errorf("reconcile: scan %s: %w", userID, err)
	}

	for _, lp := range ledgerPositions {
		local, err := p.store.Get(ctx, lp.ID)
		localKnown := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.logger.ErrorContext(ctx, "local lookup failed",
				slog.String("position_id", lp.ID),
				slog.String("error", err.Error()))
			continue
		}

		merged := mergeScan(lp, local, localKnown)
		if err := p.store.Upsert(ctx, merged); err != nil {
			p.logger.ErrorContext(ctx, "scan upsert failed",
				slog.String("position_id", lp.ID),
				slog.String("error", err.Error()))
			continue
		}

		p.trackPending(merged)
	}

	return nil
}

// LastRun returns when the last full scan finished, if one has.
func (p *Poller) LastRun() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun, !p.lastRun.IsZero()
}

// trackPending records when a position was first observed in
// liquidation_pending, and clears the record once it moves on.
func (p *Poller) trackPending(pos domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos.Status == domain.StatusLiquidationPending {
		if _, ok := p.pendingSince[pos.ID]; !ok {
			p.pendingSince[pos.ID] = p.now()
		}
		return
	}
	delete(p.pendingSince, pos.ID)
	delete(p.warned, pos.ID)
}

// checkStalePending warns once per position stuck in liquidation_pending past
// the threshold. The poller never moves the position itself: settlement is
// custody's call, a stuck one is an operator problem.
func (p *Poller) checkStalePending(ctx context.Context) {
	if p.stalePendingAfter <= 0 {
		return
	}

	now := p.now()

	p.mu.Lock()
	var stale []string
	for id, since := range p.pendingSince {
		if now.Sub(since) >= p.stalePendingAfter && !p.warned[id] {
			p.warned[id] = true
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.logger.WarnContext(ctx, "liquidation settlement overdue",
			slog.String("position_id", id),
			slog.Duration("threshold", p.stalePendingAfter))

		if p.notifier != nil {
			msg := fmt.Sprintf("Position %s has been awaiting settlement for over %s.", id, p.stalePendingAfter)
			if err := p.notifier.Notify(ctx, NotifyError, "Settlement overdue", msg); err != nil {
				p.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
		}
	}
}
