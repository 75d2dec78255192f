package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

const orderColumns = `id, venue_order_id, strategy_id, signal_id, market_id, token_id, outcome,
	side, status, signal_price, signal_size, limit_price, size, filled_size, filled_price,
	slippage, locked_amount, policy, placed_at, updated_at, resolution, realized_pnl`

// SaveOrder inserts a new order row.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.VenueOrderID, o.StrategyID, o.SignalID, o.MarketID, o.TokenID, o.Outcome,
		o.Side, string(o.Status), o.SignalPrice, o.SignalSize, o.LimitPrice, o.Size,
		o.FilledSize, o.FilledPrice, o.SlippageRealized, o.LockedAmount, string(o.Policy),
		o.PlacedAt.UTC(), o.UpdatedAt.UTC(), o.Resolution, o.RealizedPnL,
	)
	return err
}

// UpdateOrderStatus updates only the status and timestamp.
func (s *SQLiteStorage) UpdateOrderStatus(ctx context.Context, localID string, status domain.OrderStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status=?, updated_at=? WHERE id=?`,
		string(status), at.UTC(), localID)
	return err
}

// UpdateOrderFill records fill progress detected by the reconciler.
func (s *SQLiteStorage) UpdateOrderFill(ctx context.Context, localID string, filledSize, filledPrice, slippage float64, status domain.OrderStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET filled_size=?, filled_price=?, slippage=?, status=?, updated_at=? WHERE id=?`,
		filledSize, filledPrice, slippage, string(status), at.UTC(), localID)
	return err
}

// MarkOrderSettled writes the terminal outcome. Settlement is idempotent
// upstream: only FILLED orders reach this call.
func (s *SQLiteStorage) MarkOrderSettled(ctx context.Context, localID string, status domain.OrderStatus, resolution string, pnl float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status=?, resolution=?, realized_pnl=?, updated_at=? WHERE id=?`,
		string(status), resolution, pnl, at.UTC(), localID)
	return err
}

// GetOpenOrders returns PENDING/PARTIAL orders oldest-first, bounded by limit.
func (s *SQLiteStorage) GetOpenOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	q := `WHERE status IN ('PENDING','PARTIAL') ORDER BY placed_at ASC`
	if limit > 0 {
		return s.queryOrders(ctx, q+` LIMIT ?`, limit)
	}
	return s.queryOrders(ctx, q)
}

// GetOpenOrdersByStrategy returns a strategy's PENDING/PARTIAL orders.
func (s *SQLiteStorage) GetOpenOrdersByStrategy(ctx context.Context, strategyID string) ([]domain.Order, error) {
	return s.queryOrders(ctx,
		`WHERE strategy_id=? AND status IN ('PENDING','PARTIAL') ORDER BY placed_at ASC`,
		strategyID)
}

// GetOrdersByStrategy returns a strategy's most recent orders, any status.
func (s *SQLiteStorage) GetOrdersByStrategy(ctx context.Context, strategyID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryOrders(ctx,
		`WHERE strategy_id=? ORDER BY placed_at DESC LIMIT ?`, strategyID, limit)
}

// HasOrderForSignal es el dedup check: una señal produce como máximo una
// orden por estrategia, sea cual sea su estado final.
func (s *SQLiteStorage) HasOrderForSignal(ctx context.Context, strategyID, signalID string) (bool, error) {
	if signalID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM orders WHERE strategy_id=? AND signal_id=?`,
		strategyID, signalID).Scan(&n)
	return n > 0, err
}

// GetUnsettledFilledOrders returns FILLED orders awaiting market resolution.
func (s *SQLiteStorage) GetUnsettledFilledOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	if marketID == "" {
		return s.queryOrders(ctx, `WHERE status='FILLED' ORDER BY placed_at ASC`)
	}
	return s.queryOrders(ctx,
		`WHERE status='FILLED' AND market_id=? ORDER BY placed_at ASC`, marketID)
}

// GetUnsettledMarkets returns distinct market ids carrying filled positions.
func (s *SQLiteStorage) GetUnsettledMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT market_id FROM orders WHERE status='FILLED'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) queryOrders(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders ` + where

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(rows *sql.Rows) (domain.Order, error) {
	var o domain.Order
	var status, policy string

	err := rows.Scan(
		&o.ID, &o.VenueOrderID, &o.StrategyID, &o.SignalID, &o.MarketID, &o.TokenID, &o.Outcome,
		&o.Side, &status, &o.SignalPrice, &o.SignalSize, &o.LimitPrice, &o.Size,
		&o.FilledSize, &o.FilledPrice, &o.SlippageRealized, &o.LockedAmount, &policy,
		&o.PlacedAt, &o.UpdatedAt, &o.Resolution, &o.RealizedPnL,
	)
	if err != nil {
		return o, err
	}
	o.Status = domain.OrderStatus(status)
	o.Policy = domain.OrderPolicy(policy)
	return o, nil
}
