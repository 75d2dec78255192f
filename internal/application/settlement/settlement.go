package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiiliketocode/polycopy/internal/application/ledger"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
	"github.com/hiiliketocode/polycopy/internal/domain"
	"github.com/hiiliketocode/polycopy/internal/ports"
)

// Settler turns market resolutions into realized PnL. It scans markets
// carrying unsettled filled positions, and for each resolved one credits the
// payout and closes the orders as WON or LOST.
//
// Settlement is idempotent: closing an order moves it out of the unsettled
// set, so re-running after a partial failure only touches what is left.
type Settler struct {
	strategies ports.StrategyStore
	orders     ports.OrderStore
	markets    ports.MarketProvider
	ledger     *ledger.Ledger
	risk       *risk.Manager
}

// New creates a Settler.
func New(
	strategies ports.StrategyStore,
	orders ports.OrderStore,
	markets ports.MarketProvider,
	led *ledger.Ledger,
	rm *risk.Manager,
) *Settler {
	return &Settler{
		strategies: strategies,
		orders:     orders,
		markets:    markets,
		ledger:     led,
		risk:       rm,
	}
}

// Summary reports one settlement pass.
type Summary struct {
	MarketsChecked int
	MarketsSettled int
	OrdersSettled  int
	Won            int
	Lost           int
	RealizedPnL    float64
	Errors         int
}

// RunOnce checks every market with unsettled positions and settles the
// resolved ones. A market that fails mid-settlement is retried next pass.
func (st *Settler) RunOnce(ctx context.Context) (*Summary, error) {
	markets, err := st.orders.GetUnsettledMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement.RunOnce: unsettled markets: %w", err)
	}

	sum := &Summary{MarketsChecked: len(markets)}
	for _, marketID := range markets {
		if err := st.settleMarket(ctx, marketID, sum); err != nil {
			sum.Errors++
			slog.Warn("settlement: error settling market", "market", marketID, "err", err)
		}
	}

	if sum.MarketsSettled > 0 || sum.Errors > 0 {
		slog.Info("settlement: pass complete",
			"markets_checked", sum.MarketsChecked,
			"markets_settled", sum.MarketsSettled,
			"orders_settled", sum.OrdersSettled,
			"won", sum.Won,
			"lost", sum.Lost,
			"pnl", fmt.Sprintf("$%+.2f", sum.RealizedPnL),
		)
	}
	return sum, nil
}

func (st *Settler) settleMarket(ctx context.Context, marketID string, sum *Summary) error {
	market, err := st.markets.GetMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market lookup: %w", err)
	}
	if market.ResolvedOutcome == "" {
		// Open or closed-but-unresolved: positions keep waiting.
		return nil
	}

	orders, err := st.orders.GetUnsettledFilledOrders(ctx, marketID)
	if err != nil {
		return fmt.Errorf("unsettled orders: %w", err)
	}

	now := time.Now().UTC()
	settled := 0
	for _, o := range orders {
		if err := st.settleOrder(ctx, o, market.ResolvedOutcome, now, sum); err != nil {
			sum.Errors++
			slog.Warn("settlement: error settling order", "order", o.ID, "err", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		sum.MarketsSettled++
	}
	return nil
}

// settleOrder realizes one position against the resolution. The order row
// flips first so a repeat pass cannot credit the payout twice; a crash
// between the flip and the ledger credit loses the payout, hence the ERROR
// log for manual repair.
func (st *Settler) settleOrder(ctx context.Context, o domain.Order, resolution string, now time.Time, sum *Summary) error {
	outcomeWon := o.Outcome == resolution
	positionWon := outcomeWon
	if o.Side == "SELL" {
		positionWon = !outcomeWon
	}
	pnl := domain.RealizedPnL(o.Side, positionWon, o.FilledSize, o.FilledPrice)
	payout := fillCost(o.Side, o.FilledSize, o.FilledPrice) + pnl

	status := domain.StatusLost
	if positionWon {
		status = domain.StatusWon
	}

	if err := st.orders.MarkOrderSettled(ctx, o.ID, status, resolution, pnl, now); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	s, err := st.ledger.Settle(ctx, o.StrategyID, payout, pnl, now)
	if err != nil {
		slog.Error("settlement: ORDER CLOSED BUT PAYOUT NOT CREDITED",
			"order", o.ID, "strategy", o.StrategyID,
			"payout", fmt.Sprintf("$%.2f", payout), "err", err)
		return fmt.Errorf("ledger settle: %w", err)
	}

	sum.OrdersSettled++
	sum.RealizedPnL += pnl
	if status == domain.StatusWon {
		sum.Won++
	} else {
		sum.Lost++
	}
	slog.Info("settlement: position settled",
		"order", o.ID,
		"strategy", o.StrategyID,
		"market", o.MarketID,
		"result", string(status),
		"pnl", fmt.Sprintf("$%+.2f", pnl),
	)

	// Realized losses can trip the breaker.
	if err := st.risk.NoteSettled(ctx, s, now); err != nil {
		slog.Warn("settlement: risk check failed", "strategy", o.StrategyID, "err", err)
	}
	return nil
}

// fillCost is the capital the position holds: premium on a buy, payout
// collateral on a sell.
func fillCost(side string, size, price float64) float64 {
	if side == "SELL" {
		return size * (1 - price)
	}
	return size * price
}
