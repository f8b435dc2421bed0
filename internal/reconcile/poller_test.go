package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// fakePrefs serves a fixed user list.
type fakePrefs struct {
	userIDs []string
}

func (f *fakePrefs) Get(ctx context.Context, userID string) (domain.UserPreference, error) {
	return domain.UserPreference{}, domain.ErrNotFound
}

func (f *fakePrefs) Upsert(ctx context.Context, pref domain.UserPreference) error { return nil }

func (f *fakePrefs) ListUserIDs(ctx context.Context) ([]string, error) { return f.userIDs, nil }

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func ledgerActive(id, userID string) domain.LedgerPosition {
	execID := "exec-" + id
	liq := decimal.NewFromInt(1000)
	execAt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return domain.LedgerPosition{
		ID:            id,
		UserID:        userID,
		PoolID:        "pool-1",
		BaseAsset:     "USDC",
		Amount:        decimal.NewFromInt(5000),
		LowerRangePct: -5,
		UpperRangePct: 5,
		Status:        domain.LedgerStatusActive,
		ExecutionID:   &execID,
		Liquidity:     &liq,
		CreatedAt:     execAt.Add(-time.Hour),
		ExecutedAt:    &execAt,
	}
}

func TestPollerInsertsNewPositions(t *testing.T) {
	store := newTestStore()
	custody := newFakeCustody()
	custody.scanResults["user-1"] = []domain.LedgerPosition{
		ledgerActive("pos-1", "user-1"),
		ledgerActive("pos-2", "user-1"),
	}

	poller := NewPoller(custody, store, &fakePrefs{userIDs: []string{"user-1"}}, nil, 0, discard())
	require.NoError(t, poller.SyncAll(context.Background()))

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)

	last, ok := poller.LastRun()
	assert.True(t, ok)
	assert.False(t, last.IsZero())
}

// The ledger reports "active" until settlement lands; the scan must not undo
// an in-flight liquidation, and the recorded estimate must survive.
func TestPollerScanDoesNotRegressPendingLiquidation(t *testing.T) {
	store := newTestStore()

	pending := activePosition("pos-1")
	pending.Status = domain.StatusLiquidationPending
	est := decimal.NewFromInt(999)
	pending.Returned = &est
	seedPosition(t, store, pending)

	custody := newFakeCustody()
	custody.scanResults["user-1"] = []domain.LedgerPosition{ledgerActive("pos-1", "user-1")}

	poller := NewPoller(custody, store, &fakePrefs{userIDs: []string{"user-1"}}, nil, 0, discard())
	require.NoError(t, poller.SyncAll(context.Background()))

	got, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLiquidationPending, got.Status)
	require.NotNil(t, got.Returned)
	assert.True(t, got.Returned.Equal(est))
}

func TestPollerOneUserFailureDoesNotStopOthers(t *testing.T) {
	store := newTestStore()
	custody := newFakeCustody()
	custody.scanErr["user-1"] = domain.ErrLedgerUnavailable
	custody.scanResults["user-2"] = []domain.LedgerPosition{ledgerActive("pos-9", "user-2")}

	poller := NewPoller(custody, store, &fakePrefs{userIDs: []string{"user-1", "user-2"}}, nil, 0, discard())
	require.NoError(t, poller.SyncAll(context.Background()))

	_, err := store.Get(context.Background(), "pos-9")
	assert.NoError(t, err, "user-2 should have been scanned despite user-1 failing")
}

func TestPollerWarnsOnStalePendingLiquidation(t *testing.T) {
	store := newTestStore()

	pending := activePosition("pos-1")
	pending.Status = domain.StatusLiquidationPending
	seedPosition(t, store, pending)

	ledgerRow := ledgerActive("pos-1", "user-1")

	custody := newFakeCustody()
	custody.scanResults["user-1"] = []domain.LedgerPosition{ledgerRow}

	notifier := &fakeNotifier{}
	poller := NewPoller(custody, store, &fakePrefs{userIDs: []string{"user-1"}}, notifier, 30*time.Minute, discard())

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	poller.now = func() time.Time { return current }

	require.NoError(t, poller.SyncAll(context.Background()))
	assert.Empty(t, notifier.events, "first observation is not yet stale")

	current = current.Add(31 * time.Minute)
	require.NoError(t, poller.SyncAll(context.Background()))
	assert.Equal(t, []string{NotifyError}, notifier.events)

	// The warning fires once, not on every subsequent scan.
	current = current.Add(time.Hour)
	require.NoError(t, poller.SyncAll(context.Background()))
	assert.Equal(t, []string{NotifyError}, notifier.events)
}
