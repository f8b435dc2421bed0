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

// PositionStore is the durable mirror beneath the in-memory cache. Amounts
// are stored as NUMERIC and moved through text to keep arbitrary precision.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// statusRankSQL mirrors the lifecycle ordering so a crashed or racing writer
// cannot regress a row past a sticky state even without the cache in front.
const statusRankSQL = `CASE %s
	WHEN 'pending_execution' THEN 0
	WHEN 'active' THEN 1
	WHEN 'out_of_range' THEN 2
	WHEN 'liquidation_pending' THEN 3
	ELSE 4
END`

// Save upserts one position snapshot. The conflict predicate allows only
// forward movement along the lifecycle, plus the out_of_range -> active
// recovery edge.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	query := fmt.Sprintf(`
		INSERT INTO positions (
			id, user_id, pool_id, base_asset, principal,
			lower_range_pct, upper_range_pct, status,
			execution_id, liquidity, returned,
			created_at, executed_at, liquidated_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric,
			$6, $7, $8,
			$9, $10::numeric, $11::numeric,
			$12, $13, $14, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			execution_id  = COALESCE(EXCLUDED.execution_id, positions.execution_id),
			liquidity     = COALESCE(EXCLUDED.liquidity, positions.liquidity),
			returned      = COALESCE(EXCLUDED.returned, positions.returned),
			executed_at   = COALESCE(EXCLUDED.executed_at, positions.executed_at),
			liquidated_at = COALESCE(EXCLUDED.liquidated_at, positions.liquidated_at),
			updated_at    = NOW()
		WHERE (`+statusRankSQL+` <= `+statusRankSQL+`)
		   OR (positions.status = 'out_of_range' AND EXCLUDED.status = 'active')`,
		"positions.status", "EXCLUDED.status",
	)

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.PoolID, p.BaseAsset, p.Principal.String(),
		p.LowerRangePct, p.UpperRangePct, string(p.Status),
		p.ExecutionID, decPtrText(p.Liquidity), decPtrText(p.Returned),
		p.CreatedAt, p.ExecutedAt, p.LiquidatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

const positionSelectCols = `id, user_id, pool_id, base_asset, principal::text,
	lower_range_pct, upper_range_pct, status,
	execution_id, liquidity::text, returned::text,
	created_at, executed_at, liquidated_at`

// LoadAll returns every stored position; used to warm the cache at startup.
func (s *PositionStore) LoadAll(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its custody-assigned id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListLiquidatedBefore returns settled positions whose liquidation landed
// before the cutoff, oldest first. Used by the cold-storage archiver.
func (s *PositionStore) ListLiquidatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'liquidated' AND liquidated_at < $1
		 ORDER BY liquidated_at
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidated positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidated positions: %w", err)
	}
	return positions, nil
}

// Prune deletes archived rows.
func (s *PositionStore) Prune(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: prune positions: %w", err)
	}
	return nil
}

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p                         domain.Position
		status                    string
		principal                 string
		liquidityTxt, returnedTxt *string
	)

	err := row.Scan(
		&p.ID, &p.UserID, &p.PoolID, &p.BaseAsset, &principal,
		&p.LowerRangePct, &p.UpperRangePct, &status,
		&p.ExecutionID, &liquidityTxt, &returnedTxt,
		&p.CreatedAt, &p.ExecutedAt, &p.LiquidatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Status = domain.PositionStatus(status)
	if p.Principal, err = decimal.NewFromString(principal); err != nil {
		return domain.Position{}, fmt.Errorf("parse principal %q: %w", principal, err)
	}
	if p.Liquidity, err = decPtrParse(liquidityTxt); err != nil {
		return domain.Position{}, err
	}
	if p.Returned, err = decPtrParse(returnedTxt); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func decPtrText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decPtrParse(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", *s, err)
	}
	return &d, nil
}

// Compile-time interface checks.
var (
	_ domain.PositionMirror  = (*PositionStore)(nil)
	_ domain.PositionArchive = (*PositionStore)(nil)
)
