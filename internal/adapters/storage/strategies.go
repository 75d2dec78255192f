package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

const strategyColumns = `id, account, name, initial_capital, available_cash, locked_capital,
	cooldown_reserve, realized_pnl, peak_equity, daily_loss, daily_loss_date,
	max_drawdown_pct, max_daily_loss, max_position_size, max_exposure, max_concurrent,
	cooldown_seconds, active, paused, breaker_tripped, breaker_reason, breaker_tripped_at,
	order_policy, slippage_tolerance, created_at, archived_at, version`

// SaveStrategy inserts a new strategy row at version 0.
func (s *SQLiteStorage) SaveStrategy(ctx context.Context, st domain.Strategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO strategies (`+strategyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.Account, st.Name, st.InitialCapital, st.AvailableCash, st.LockedCapital,
		st.CooldownReserve, st.RealizedPnL, st.PeakEquity, st.DailyLoss, nullTimeVal(st.DailyLossDate),
		st.Risk.MaxDrawdownPct, st.Risk.MaxDailyLoss, st.Risk.MaxPositionSize, st.Risk.MaxExposure,
		st.Risk.MaxConcurrentPositions, int(st.Risk.Cooldown.Seconds()),
		boolToInt(st.Active), boolToInt(st.Paused),
		boolToInt(st.Breaker.Tripped), st.Breaker.Reason, nullTime(st.Breaker.TrippedAt),
		string(st.Policy), st.SlippageTolerance, st.CreatedAt.UTC(), nullTime(st.ArchivedAt), st.Version,
	)
	return err
}

// GetStrategy loads one strategy by id.
func (s *SQLiteStorage) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id=?`, id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Strategy{}, fmt.Errorf("strategy %s: %w", id, domain.ErrStrategyNotFound)
	}
	return st, err
}

// GetStrategies returns all strategies, optionally only non-archived active ones.
func (s *SQLiteStorage) GetStrategies(ctx context.Context, activeOnly bool) ([]domain.Strategy, error) {
	q := `SELECT ` + strategyColumns + ` FROM strategies`
	if activeOnly {
		q += ` WHERE active=1 AND archived_at IS NULL`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStrategy writes the full row guarded by the version counter. A write
// racing a newer one fails with domain.ErrStaleWrite and no effect.
func (s *SQLiteStorage) UpdateStrategy(ctx context.Context, st domain.Strategy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET
			account=?, name=?, initial_capital=?, available_cash=?, locked_capital=?,
			cooldown_reserve=?, realized_pnl=?, peak_equity=?, daily_loss=?, daily_loss_date=?,
			max_drawdown_pct=?, max_daily_loss=?, max_position_size=?, max_exposure=?, max_concurrent=?,
			cooldown_seconds=?, active=?, paused=?, breaker_tripped=?, breaker_reason=?, breaker_tripped_at=?,
			order_policy=?, slippage_tolerance=?, archived_at=?, version=version+1
		WHERE id=? AND version=?`,
		st.Account, st.Name, st.InitialCapital, st.AvailableCash, st.LockedCapital,
		st.CooldownReserve, st.RealizedPnL, st.PeakEquity, st.DailyLoss, nullTimeVal(st.DailyLossDate),
		st.Risk.MaxDrawdownPct, st.Risk.MaxDailyLoss, st.Risk.MaxPositionSize, st.Risk.MaxExposure,
		st.Risk.MaxConcurrentPositions, int(st.Risk.Cooldown.Seconds()),
		boolToInt(st.Active), boolToInt(st.Paused),
		boolToInt(st.Breaker.Tripped), st.Breaker.Reason, nullTime(st.Breaker.TrippedAt),
		string(st.Policy), st.SlippageTolerance, nullTime(st.ArchivedAt),
		st.ID, st.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM strategies WHERE id=?`, st.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("strategy %s: %w", st.ID, domain.ErrStrategyNotFound)
		}
		return fmt.Errorf("strategy %s version %d: %w", st.ID, st.Version, domain.ErrStaleWrite)
	}
	return nil
}

// ArchiveStrategy deactivates without deleting. Strategies are never hard-deleted.
func (s *SQLiteStorage) ArchiveStrategy(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET active=0, archived_at=?, version=version+1 WHERE id=?`,
		at.UTC(), id)
	return err
}

func scanStrategy(row interface{ Scan(...any) error }) (domain.Strategy, error) {
	var st domain.Strategy
	var dailyLossDate, breakerAt, archivedAt sql.NullTime
	var cooldownSecs int
	var active, paused, tripped int
	var policy string

	err := row.Scan(
		&st.ID, &st.Account, &st.Name, &st.InitialCapital, &st.AvailableCash, &st.LockedCapital,
		&st.CooldownReserve, &st.RealizedPnL, &st.PeakEquity, &st.DailyLoss, &dailyLossDate,
		&st.Risk.MaxDrawdownPct, &st.Risk.MaxDailyLoss, &st.Risk.MaxPositionSize, &st.Risk.MaxExposure,
		&st.Risk.MaxConcurrentPositions, &cooldownSecs, &active, &paused,
		&tripped, &st.Breaker.Reason, &breakerAt,
		&policy, &st.SlippageTolerance, &st.CreatedAt, &archivedAt, &st.Version,
	)
	if err != nil {
		return st, err
	}

	st.Risk.Cooldown = time.Duration(cooldownSecs) * time.Second
	st.Active = active != 0
	st.Paused = paused != 0
	st.Breaker.Tripped = tripped != 0
	st.Policy = domain.OrderPolicy(policy)
	if dailyLossDate.Valid {
		st.DailyLossDate = dailyLossDate.Time
	}
	if breakerAt.Valid {
		t := breakerAt.Time
		st.Breaker.TrippedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		st.ArchivedAt = &t
	}
	return st, nil
}

// ─── Audit trail ─────────────────────────────────────────────────────────────

// SaveLedgerEvent appends one ledger mutation to the audit trail.
func (s *SQLiteStorage) SaveLedgerEvent(ctx context.Context, ev domain.LedgerEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events
			(strategy_id, kind, amount, available_after, locked_after, cooldown_after, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.StrategyID, string(ev.Kind), ev.Amount,
		ev.AvailableAfter, ev.LockedAfter, ev.CooldownAfter, ev.Detail, ev.CreatedAt.UTC(),
	)
	return err
}

// GetLedgerEvents returns the last `limit` events for a strategy, oldest-first.
func (s *SQLiteStorage) GetLedgerEvents(ctx context.Context, strategyID string, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, kind, amount, available_after, locked_after, cooldown_after, detail, created_at
		FROM (SELECT * FROM ledger_events WHERE strategy_id=? ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`,
		strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		var ev domain.LedgerEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &kind, &ev.Amount,
			&ev.AvailableAfter, &ev.LockedAfter, &ev.CooldownAfter, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = domain.LedgerEventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ─── Cooldown holds ──────────────────────────────────────────────────────────

// SaveCooldownHold records capital parked in the cooldown reserve.
func (s *SQLiteStorage) SaveCooldownHold(ctx context.Context, h domain.CooldownHold) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldown_holds (strategy_id, market_id, amount, created_at, release_at, released)
		VALUES (?,?,?,?,?,0)`,
		h.StrategyID, h.MarketID, h.Amount, h.CreatedAt.UTC(), h.ReleaseAt.UTC(),
	)
	return err
}

// GetActiveCooldownHolds returns unreleased holds for a strategy.
func (s *SQLiteStorage) GetActiveCooldownHolds(ctx context.Context, strategyID string) ([]domain.CooldownHold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, market_id, amount, created_at, release_at, released
		FROM cooldown_holds WHERE strategy_id=? AND released=0 ORDER BY release_at ASC`,
		strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CooldownHold
	for rows.Next() {
		var h domain.CooldownHold
		var released int
		if err := rows.Scan(&h.ID, &h.StrategyID, &h.MarketID, &h.Amount,
			&h.CreatedAt, &h.ReleaseAt, &released); err != nil {
			return nil, err
		}
		h.Released = released != 0
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReleaseCooldownHolds marks the given holds as returned to cash.
func (s *SQLiteStorage) ReleaseCooldownHolds(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE cooldown_holds SET released=1 WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

// ─── Dailies ─────────────────────────────────────────────────────────────────

// SaveDailySummary upserts the per-strategy daily snapshot.
func (s *SQLiteStorage) SaveDailySummary(ctx context.Context, d domain.DailySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dailies
			(strategy_id, date, orders_placed, fills, realized_pnl, capital_deployed, available_cash, cooldown_reserve)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(strategy_id, date) DO UPDATE SET
			orders_placed    = excluded.orders_placed,
			fills            = excluded.fills,
			realized_pnl     = excluded.realized_pnl,
			capital_deployed = excluded.capital_deployed,
			available_cash   = excluded.available_cash,
			cooldown_reserve = excluded.cooldown_reserve`,
		d.StrategyID, d.Date.UTC().Truncate(24*time.Hour),
		d.OrdersPlaced, d.Fills, d.RealizedPnL, d.CapitalDeployed, d.AvailableCash, d.CooldownReserve,
	)
	return err
}

// GetDailySummaries returns all dailies for a strategy oldest-first.
func (s *SQLiteStorage) GetDailySummaries(ctx context.Context, strategyID string) ([]domain.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, date, orders_placed, fills, realized_pnl, capital_deployed, available_cash, cooldown_reserve
		FROM dailies WHERE strategy_id=? ORDER BY date ASC`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailySummary
	for rows.Next() {
		var d domain.DailySummary
		if err := rows.Scan(&d.StrategyID, &d.Date, &d.OrdersPlaced, &d.Fills,
			&d.RealizedPnL, &d.CapitalDeployed, &d.AvailableCash, &d.CooldownReserve); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
