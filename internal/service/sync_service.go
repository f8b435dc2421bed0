package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/reconcile"
)

// syncLockTTL bounds how long a crashed sync can hold the lock.
const syncLockTTL = 10 * time.Minute

// SyncStatus is the structured answer to "is reconciliation healthy".
type SyncStatus struct {
	Configured bool       `json:"configured"`
	LastRun    *time.Time `json:"last_run,omitempty"`
}

// SyncService exposes manual control over the ground-truth scan. The lock
// keeps a manual trigger from racing the scheduled poll across instances.
type SyncService struct {
	poller *reconcile.Poller
	locks  domain.LockManager
	logger *slog.Logger
}

// NewSyncService creates a SyncService. locks may be nil, in which case
// triggers run unguarded (single-instance deployments).
func NewSyncService(poller *reconcile.Poller, locks domain.LockManager, logger *slog.Logger) *SyncService {
	return &SyncService{
		poller: poller,
		locks:  locks,
		logger: logger.With(slog.String("component", "sync_service")),
	}
}

// TriggerSync runs a ground-truth scan now: for one user when userID is set,
// for everyone otherwise. Returns domain.ErrLockHeld when a scan is already
// running.
func (s *SyncService) TriggerSync(ctx context.Context, userID string) error {
	if s.poller == nil {
		return errors.New("sync_service: reconciliation not configured")
	}

	key := "ledger_sync"
	if userID != "" {
		key = "ledger_sync:" + userID
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, key, syncLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.InfoContext(ctx, "sync already running, trigger rejected",
					slog.String("key", key))
				return domain.ErrLockHeld
			}
			return fmt.Errorf("sync_service: acquire lock: %w", err)
		}
		defer unlock()
	}

	s.logger.InfoContext(ctx, "manual sync triggered", slog.String("user_id", userID))

	if userID != "" {
		if err := s.poller.SyncUser(ctx, userID); err != nil {
			return fmt.Errorf("sync_service: sync %q: %w", userID, err)
		}
		return nil
	}
	if err := s.poller.SyncAll(ctx); err != nil {
		return fmt.Errorf("sync_service: sync all: %w", err)
	}
	return nil
}

// GetSyncStatus reports whether reconciliation is configured and when the
// last full scan finished.
func (s *SyncService) GetSyncStatus(ctx context.Context) SyncStatus {
	status := SyncStatus{Configured: s.poller != nil}
	if s.poller != nil {
		if last, ok := s.poller.LastRun(); ok {
			status.LastRun = &last
		}
	}
	return status
}
