package reconciler

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

const (
	defaultBatchLimit   = 50
	defaultHistoryLimit = 200
)

// Config holds reconciler settings.
type Config struct {
	// BatchLimit bounds how many open orders one run polls, oldest first.
	// The rest wait for the next cycle; no run is unbounded.
	BatchLimit int
	// CancelFeeRate is charged on the unfilled remainder of cancelled
	// orders and realized as a loss. Zero at most venues.
	CancelFeeRate float64
}

// Reconciler keeps the local book honest against the venue: it polls open
// orders, applies fills and cancellations to the ledger, and overwrites the
// locked-capital figure with the authoritative recomputed total.
type Reconciler struct {
	strategies ports.StrategyStore
	orders     ports.OrderStore
	gateway    ports.OrderGateway
	markets    ports.MarketProvider
	ledger     *ledger.Ledger
	risk       *risk.Manager
	cfg        Config
}

// New creates a Reconciler.
func New(
	strategies ports.StrategyStore,
	orders ports.OrderStore,
	gateway ports.OrderGateway,
	markets ports.MarketProvider,
	led *ledger.Ledger,
	rm *risk.Manager,
	cfg Config,
) *Reconciler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	return &Reconciler{
		strategies: strategies,
		orders:     orders,
		gateway:    gateway,
		markets:    markets,
		ledger:     led,
		risk:       rm,
		cfg:        cfg,
	}
}

// Summary reports what one reconciliation run did.
type Summary struct {
	Polled     int
	Fills      int
	Cancelled  int
	Resolved   int // markets resolved out from under open orders
	Errors     int
	Drift      float64 // net ledger drift corrected, all strategies
	Matured    float64 // cooldown capital released back to cash
	Strategies int
}

// RunOnce executes one reconciliation cycle:
//
//  1. poll a bounded batch of open orders, oldest first, and apply venue
//     truth order by order (a failing order never stops the batch)
//  2. recompute each strategy's open-order total and overwrite the ledger's
//     locked figure with it
//  3. migrate matured cooldown holds back to available cash
//  4. snapshot the day and re-check automatic halt thresholds
func (r *Reconciler) RunOnce(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	open, err := r.orders.GetOpenOrders(ctx, r.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("reconciler.RunOnce: open orders: %w", err)
	}
	sum.Polled = len(open)

	touched := make(map[string]bool)
	for _, o := range open {
		touched[o.StrategyID] = true
		if err := r.reconcileOrder(ctx, o, sum); err != nil {
			sum.Errors++
			slog.Warn("reconciler: error syncing order",
				"order", o.ID, "venue_order", o.VenueOrderID, "err", err)
		}
	}

	// Drift correction runs for every active strategy, not just the touched
	// ones: a strategy with zero open orders but nonzero locked capital is
	// exactly the drift case that needs repair.
	strategies, err := r.strategies.GetStrategies(ctx, true)
	if err != nil {
		return sum, fmt.Errorf("reconciler.RunOnce: strategies: %w", err)
	}
	now := time.Now().UTC()
	for _, s := range strategies {
		sum.Strategies++
		if err := r.reconcileStrategy(ctx, s, now, sum); err != nil {
			sum.Errors++
			slog.Warn("reconciler: error reconciling strategy", "strategy", s.ID, "err", err)
		}
	}

	slog.Info("reconciler: cycle complete",
		"polled", sum.Polled,
		"fills", sum.Fills,
		"cancelled", sum.Cancelled,
		"resolved", sum.Resolved,
		"errors", sum.Errors,
		"drift", fmt.Sprintf("$%.2f", sum.Drift),
		"matured", fmt.Sprintf("$%.2f", sum.Matured),
	)
	return sum, nil
}

// reconcileOrder applies the venue's view of one open order.
func (r *Reconciler) reconcileOrder(ctx context.Context, o domain.Order, sum *Summary) error {
	vs, err := r.gateway.GetOrderStatus(ctx, o.VenueOrderID)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	now := time.Now().UTC()

	switch vs.State {
	case domain.VenueStateMatched:
		return r.applyFill(ctx, o, vs, now, sum)

	case domain.VenueStateLive:
		// Still resting. Record partial fill progress, then check whether
		// the market resolved out from under the order.
		if vs.FilledSize > o.FilledSize {
			slip := domain.Slippage(o.Side, o.SignalPrice, vs.AvgFillPrice)
			if err := r.orders.UpdateOrderFill(ctx, o.ID,
				vs.FilledSize, vs.AvgFillPrice, slip, domain.StatusPartial, now); err != nil {
				return fmt.Errorf("partial fill: %w", err)
			}
			// The incremental cost leaves the reservation now, so the
			// locked figure always equals the live remainder and the drift
			// pass stays quiet.
			delta := fillCost(o.Side, vs.FilledSize, vs.AvgFillPrice) -
				fillCost(o.Side, o.FilledSize, o.FilledPrice)
			if delta > 0 {
				if err := r.ledger.ConsumeFill(ctx, o.StrategyID, delta, delta); err != nil {
					return fmt.Errorf("partial consume: %w", err)
				}
			}
			o.FilledSize = vs.FilledSize
			o.FilledPrice = vs.AvgFillPrice
			sum.Fills++
		}
		return r.checkResolvedWhileOpen(ctx, o, now, sum)

	case domain.VenueStateCancelled, domain.VenueStateNotFound:
		return r.applyCancel(ctx, o, vs, now, sum)

	default:
		return fmt.Errorf("unknown venue state %q", vs.State)
	}
}

// applyFill marks the order filled and converts its reservation into
// position capital. Reserved-but-unspent excess returns to cash.
func (r *Reconciler) applyFill(ctx context.Context, o domain.Order, vs domain.VenueOrderStatus, now time.Time, sum *Summary) error {
	filledSize := vs.FilledSize
	fillPrice := vs.AvgFillPrice
	if filledSize <= 0 {
		// Some venues report MATCHED without echoing sizes; trust our
		// submission then.
		filledSize = o.Size
		fillPrice = o.LimitPrice
	}
	slip := domain.Slippage(o.Side, o.SignalPrice, fillPrice)

	if err := r.orders.UpdateOrderFill(ctx, o.ID,
		filledSize, fillPrice, slip, domain.StatusFilled, now); err != nil {
		return fmt.Errorf("fill: %w", err)
	}

	// Earlier partial syncs already consumed their share of the
	// reservation; only the remainder moves now.
	prior := fillCost(o.Side, o.FilledSize, o.FilledPrice)
	cost := fillCost(o.Side, filledSize, fillPrice) - prior
	if cost < 0 {
		cost = 0
	}
	if err := r.ledger.ConsumeFill(ctx, o.StrategyID, o.LockedAmount-prior, cost); err != nil {
		return fmt.Errorf("consume fill: %w", err)
	}
	sum.Fills++
	slog.Info("reconciler: order filled",
		"order", o.ID,
		"strategy", o.StrategyID,
		"size", fmt.Sprintf("%.0f", filledSize),
		"price", fmt.Sprintf("%.2f", fillPrice),
		"slippage", fmt.Sprintf("%+.3f", slip),
	)
	return nil
}

// applyCancel closes an order the venue killed or lost. The unfilled
// reservation migrates to the cooldown reserve instead of straight back to
// cash, so the capital cannot immediately re-enter the same market.
func (r *Reconciler) applyCancel(ctx context.Context, o domain.Order, vs domain.VenueOrderStatus, now time.Time, sum *Summary) error {
	filledCost := 0.0
	if vs.FilledSize > 0 {
		// Partially filled before the cancel: the filled part is a position.
		slip := domain.Slippage(o.Side, o.SignalPrice, vs.AvgFillPrice)
		if err := r.orders.UpdateOrderFill(ctx, o.ID,
			vs.FilledSize, vs.AvgFillPrice, slip, domain.StatusFilled, now); err != nil {
			return fmt.Errorf("cancel fill: %w", err)
		}
		prior := fillCost(o.Side, o.FilledSize, o.FilledPrice)
		filledCost = fillCost(o.Side, vs.FilledSize, vs.AvgFillPrice)
		if delta := filledCost - prior; delta > 0 {
			if err := r.ledger.ConsumeFill(ctx, o.StrategyID, delta, delta); err != nil {
				return fmt.Errorf("cancel consume: %w", err)
			}
		}
		sum.Fills++
	} else {
		if err := r.orders.UpdateOrderStatus(ctx, o.ID, domain.StatusCancelled, now); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
	}

	remaining := o.LockedAmount - filledCost
	if remaining > 0 {
		if err := r.ledger.UnlockToCooldown(ctx, o.StrategyID, o.MarketID, remaining, now); err != nil {
			return fmt.Errorf("cancel unlock: %w", err)
		}
		if fee := remaining * r.cfg.CancelFeeRate; fee > 0 {
			// Fee comes out of cash and counts as a realized loss.
			if _, err := r.ledger.Settle(ctx, o.StrategyID, -fee, -fee, now); err != nil {
				return fmt.Errorf("cancel fee: %w", err)
			}
		}
	}
	sum.Cancelled++
	slog.Info("reconciler: order cancelled at venue",
		"order", o.ID,
		"strategy", o.StrategyID,
		"state", vs.State,
		"released", fmt.Sprintf("$%.2f", remaining),
	)
	return nil
}

// checkResolvedWhileOpen handles the race where a market resolves while our
// order still rests on the book. The order can never fill; cancel it at the
// venue, close it locally, and return the reservation to cash.
func (r *Reconciler) checkResolvedWhileOpen(ctx context.Context, o domain.Order, now time.Time, sum *Summary) error {
	market, err := r.markets.GetMarket(ctx, o.MarketID)
	if err != nil {
		// Metadata hiccup: the order stays open, next cycle retries.
		slog.Debug("reconciler: market lookup failed", "market", o.MarketID, "err", err)
		return nil
	}
	if !market.Closed && market.ResolvedOutcome == "" {
		return nil
	}

	if err := r.gateway.CancelOrder(ctx, o.VenueOrderID); err != nil {
		slog.Warn("reconciler: cancel after resolution failed",
			"order", o.ID, "venue_order", o.VenueOrderID, "err", err)
	}
	if err := r.orders.UpdateOrderStatus(ctx, o.ID, domain.StatusLostToResolution, now); err != nil {
		return fmt.Errorf("lost to resolution: %w", err)
	}
	remaining := o.RemainingLocked()
	if remaining > 0 {
		// No cooldown here: the market is gone, there is nothing to re-enter.
		if err := r.ledger.Unlock(ctx, o.StrategyID, remaining); err != nil {
			return fmt.Errorf("unlock after resolution: %w", err)
		}
	}
	sum.Resolved++
	slog.Info("reconciler: market resolved with order still open",
		"order", o.ID, "market", o.MarketID, "released", fmt.Sprintf("$%.2f", remaining))
	return nil
}

// reconcileStrategy overwrites the ledger's locked figure with the
// authoritative total, releases matured cooldown holds, snapshots the day
// and re-checks the halt thresholds.
func (r *Reconciler) reconcileStrategy(ctx context.Context, s domain.Strategy, now time.Time, sum *Summary) error {
	open, err := r.orders.GetOpenOrdersByStrategy(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	var total float64
	for _, o := range open {
		total += o.RemainingLocked()
	}

	drift, err := r.ledger.Reconcile(ctx, s.ID, total)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	sum.Drift += drift

	matured, err := r.ledger.ReleaseMatured(ctx, s.ID, now)
	if err != nil {
		return fmt.Errorf("release matured: %w", err)
	}
	sum.Matured += matured

	fresh, err := r.strategies.GetStrategy(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := r.writeDailySummary(ctx, fresh, now); err != nil {
		slog.Warn("reconciler: error writing daily summary", "strategy", s.ID, "err", err)
	}
	if err := r.risk.NoteSettled(ctx, fresh, now); err != nil {
		return fmt.Errorf("risk check: %w", err)
	}
	return nil
}

func (r *Reconciler) writeDailySummary(ctx context.Context, s domain.Strategy, now time.Time) error {
	orders, err := r.orders.GetOrdersByStrategy(ctx, s.ID, defaultHistoryLimit)
	if err != nil {
		return err
	}
	day := now.Truncate(24 * time.Hour)
	summary := domain.DailySummary{
		StrategyID:      s.ID,
		Date:            day,
		AvailableCash:   s.AvailableCash,
		CapitalDeployed: s.LockedCapital,
		CooldownReserve: s.CooldownReserve,
	}
	for _, o := range orders {
		if sameDay(o.PlacedAt, day) {
			summary.OrdersPlaced++
		}
		if o.FilledSize > 0 && sameDay(o.UpdatedAt, day) {
			summary.Fills++
		}
		if o.Status.Terminal() && sameDay(o.UpdatedAt, day) {
			summary.RealizedPnL += o.RealizedPnL
		}
	}
	return r.strategies.SaveDailySummary(ctx, summary)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// fillCost is the capital a fill actually consumed: premium on a buy,
// worst-case payout collateral on a sell.
func fillCost(side string, size, price float64) float64 {
	if side == "SELL" {
		return size * (1 - price)
	}
	return size * price
}
