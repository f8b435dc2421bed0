package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// PreferenceStore persists per-user decision configuration. Rows are only
// ever inserted or superseded, never deleted.
type PreferenceStore struct {
	pool *pgxpool.Pool
}

// NewPreferenceStore creates a PreferenceStore backed by the given pool.
func NewPreferenceStore(pool *pgxpool.Pool) *PreferenceStore {
	return &PreferenceStore{pool: pool}
}

// Get returns the preference record for the user or domain.ErrNotFound.
func (s *PreferenceStore) Get(ctx context.Context, userID string) (domain.UserPreference, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, wallet, min_yield_pct, max_per_opportunity::text,
		       max_positions, allowed_assets, risk_tier,
		       default_lower_range_pct, default_upper_range_pct,
		       rebalance_cadence_sec, updated_at
		FROM user_preferences WHERE user_id = $1`, userID)

	var (
		p          domain.UserPreference
		maxPerOpp  string
		riskTier   string
		cadenceSec int64
	)
	err := row.Scan(
		&p.UserID, &p.Wallet, &p.MinYieldPct, &maxPerOpp,
		&p.MaxPositions, &p.AllowedAssets, &riskTier,
		&p.DefaultLowerRangePct, &p.DefaultUpperRangePct,
		&cadenceSec, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserPreference{}, domain.ErrNotFound
		}
		return domain.UserPreference{}, fmt.Errorf("postgres: get preference %s: %w", userID, err)
	}

	p.RiskTier = domain.RiskTier(riskTier)
	p.RebalanceCadence = time.Duration(cadenceSec) * time.Second
	if p.MaxPerOpportunity, err = decimal.NewFromString(maxPerOpp); err != nil {
		return domain.UserPreference{}, fmt.Errorf("postgres: parse max_per_opportunity %q: %w", maxPerOpp, err)
	}
	return p, nil
}

// Upsert inserts or supersedes the user's preference record.
func (s *PreferenceStore) Upsert(ctx context.Context, p domain.UserPreference) error {
	const query = `
		INSERT INTO user_preferences (
			user_id, wallet, min_yield_pct, max_per_opportunity,
			max_positions, allowed_assets, risk_tier,
			default_lower_range_pct, default_upper_range_pct,
			rebalance_cadence_sec, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, NOW()
		)
		ON CONFLICT (user_id) DO UPDATE SET
			wallet                  = EXCLUDED.wallet,
			min_yield_pct           = EXCLUDED.min_yield_pct,
			max_per_opportunity     = EXCLUDED.max_per_opportunity,
			max_positions           = EXCLUDED.max_positions,
			allowed_assets          = EXCLUDED.allowed_assets,
			risk_tier               = EXCLUDED.risk_tier,
			default_lower_range_pct = EXCLUDED.default_lower_range_pct,
			default_upper_range_pct = EXCLUDED.default_upper_range_pct,
			rebalance_cadence_sec   = EXCLUDED.rebalance_cadence_sec,
			updated_at              = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.UserID, p.Wallet, p.MinYieldPct, p.MaxPerOpportunity.String(),
		p.MaxPositions, p.AllowedAssets, string(p.RiskTier),
		p.DefaultLowerRangePct, p.DefaultUpperRangePct,
		int64(p.RebalanceCadence/time.Second),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert preference %s: %w", p.UserID, err)
	}
	return nil
}

// ListUserIDs returns every user with a preference record; this is the user
// universe the reconciliation poll walks.
func (s *PreferenceStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM user_preferences ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Compile-time interface check.
var _ domain.PreferenceStore = (*PreferenceStore)(nil)
