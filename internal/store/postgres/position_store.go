package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratops/bitdash/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, entry_price, quantity, leverage,
	sl_price, take_profits, entry_order_id, sl_order_id, current_price,
	status, close_reason, close_price, realized_pnl,
	opened_at, closed_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p              domain.Position
		side, status   string
		takeProfitsRaw []byte
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.Leverage,
		&p.SLPrice, &takeProfitsRaw, &p.EntryOrderID, &p.SLOrderID, &p.CurrentPrice,
		&status, &p.CloseReason, &p.ClosePrice, &p.RealizedPnl,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if len(takeProfitsRaw) > 0 {
		if err := json.Unmarshal(takeProfitsRaw, &p.TakeProfits); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal take profits: %w", err)
		}
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
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

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	takeProfits, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return fmt.Errorf("postgres: marshal take profits: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, side, entry_price, quantity, leverage,
			sl_price, take_profits, entry_order_id, sl_order_id, current_price,
			status, close_reason, close_price, realized_pnl,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side),
		p.EntryPrice, p.Quantity, p.Leverage,
		p.SLPrice, takeProfits, p.EntryOrderID, p.SLOrderID, p.CurrentPrice,
		string(p.Status), p.CloseReason, p.ClosePrice, p.RealizedPnl,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a single position by id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = 'open' ORDER BY opened_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns closed positions with pagination, most recent first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = 'closed'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedSince returns positions closed at or after the given time.
func (s *PositionStore) ListClosedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = 'closed' AND closed_at >= $1 ORDER BY closed_at ASC`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed since %s: %w", since, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// UpdateEntryPrice repairs entry-price drift on an open row. A row that
// closed in the meantime is left untouched and reported as ErrNotFound.
func (s *PositionStore) UpdateEntryPrice(ctx context.Context, id string, entryPrice float64) error {
	const query = `UPDATE positions SET entry_price = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, entryPrice)
	if err != nil {
		return fmt.Errorf("postgres: update entry price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateCurrentPrice refreshes the last observed price on an open row.
func (s *PositionStore) UpdateCurrentPrice(ctx context.Context, id string, price float64) error {
	const query = `UPDATE positions SET current_price = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, price)
	if err != nil {
		return fmt.Errorf("postgres: update current price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks the position closed. The status guard makes the terminal write
// single-shot: a repeat close matches zero rows and returns ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, id string, upd domain.CloseUpdate) error {
	const query = `UPDATE positions SET
			status = 'closed',
			close_reason = $2,
			close_price = $3,
			realized_pnl = $4,
			closed_at = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, upd.Reason, upd.ClosePrice, upd.RealizedPnl, upd.ClosedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GroupedStats computes per-group closed-position statistics for one
// dimension. Win rate is a percentage of trades with positive realized PnL.
func (s *PositionStore) GroupedStats(ctx context.Context, dim domain.StatsDimension) ([]domain.GroupStat, error) {
	labelExpr, err := statsLabelExpr(dim)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s AS label,
			COUNT(*) AS trades,
			COALESCE(SUM(realized_pnl), 0) AS total_pnl,
			100.0 * COUNT(*) FILTER (WHERE realized_pnl > 0) / COUNT(*) AS win_rate
		FROM positions
		WHERE status = 'closed'
		GROUP BY label
		ORDER BY label`, labelExpr)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: grouped stats %s: %w", dim, err)
	}
	defer rows.Close()

	var groups []domain.GroupStat
	for rows.Next() {
		var g domain.GroupStat
		if err := rows.Scan(&g.Label, &g.Count, &g.TotalPnl, &g.WinRate); err != nil {
			return nil, fmt.Errorf("postgres: scan grouped stats: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: grouped stats rows: %w", err)
	}
	return groups, nil
}

// statsLabelExpr maps a dimension to the SQL label expression grouping closed
// positions. Bucket edges mirror the dashboard's filter presets.
func statsLabelExpr(dim domain.StatsDimension) (string, error) {
	switch dim {
	case domain.StatsByMarginBucket:
		return `CASE
			WHEN quantity * entry_price / NULLIF(leverage, 0) < 50 THEN '0-50'
			WHEN quantity * entry_price / NULLIF(leverage, 0) < 200 THEN '50-200'
			WHEN quantity * entry_price / NULLIF(leverage, 0) < 1000 THEN '200-1000'
			ELSE '1000+'
		END`, nil
	case domain.StatsByTier:
		return `CASE
			WHEN quantity * entry_price < 1000 THEN 'micro'
			WHEN quantity * entry_price < 10000 THEN 'small'
			WHEN quantity * entry_price < 50000 THEN 'mid'
			ELSE 'large'
		END`, nil
	case domain.StatsByLeverage:
		return `leverage::int::text || 'x'`, nil
	case domain.StatsByRiskReward:
		return `CASE
			WHEN sl_price IS NULL OR take_profits->0->>'price' IS NULL THEN 'unknown'
			WHEN ABS(entry_price - sl_price) = 0 THEN 'unknown'
			WHEN ABS((take_profits->0->>'price')::float8 - entry_price) / ABS(entry_price - sl_price) < 1 THEN '<1'
			WHEN ABS((take_profits->0->>'price')::float8 - entry_price) / ABS(entry_price - sl_price) < 2 THEN '1-2'
			WHEN ABS((take_profits->0->>'price')::float8 - entry_price) / ABS(entry_price - sl_price) < 3 THEN '2-3'
			ELSE '3+'
		END`, nil
	case domain.StatsByCloseReason:
		return `COALESCE(NULLIF(close_reason, ''), 'unknown')`, nil
	default:
		return "", fmt.Errorf("postgres: unknown stats dimension %q", dim)
	}
}
