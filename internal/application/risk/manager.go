package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
	"github.com/hiiliketocode/polycopy/internal/ports"
)

// Deny reasons, recorded on skipped signals.
const (
	DenyInactive       = "strategy inactive"
	DenyPaused         = "strategy paused"
	DenyCircuitBreaker = "circuit breaker active"
	DenyDailyLoss      = "daily loss limit"
	DenyDrawdown       = "max drawdown"
	DenyPositionSize   = "max position size"
	DenyExposure       = "max exposure"
	DenyConcurrent     = "max concurrent positions"
	DenyCooldown       = "market in cooldown"
)

// Proposal is a candidate order, pre-lock. Notional is the USDC the lock
// would reserve; WorstCaseLoss what a total loss would realize.
type Proposal struct {
	MarketID      string
	Side          string
	Notional      float64
	WorstCaseLoss float64
}

// Decision is the outcome of a risk evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// WorstCaseLoss is the capital a total loss on the order would burn: the
// premium paid on a buy, the payout owed on a losing sell.
func WorstCaseLoss(side string, size, price float64) float64 {
	if side == "SELL" {
		return size * (1 - price)
	}
	return size * price
}

// Manager gates every lock attempt and owns the circuit-breaker transitions.
// Evaluate itself never mutates anything; breaker trips happen in
// NoteSettled, driven by settlement and reconciliation results.
type Manager struct {
	strategies ports.StrategyStore
	orders     ports.OrderStore
}

// New creates a risk Manager.
func New(strategies ports.StrategyStore, orders ports.OrderStore) *Manager {
	return &Manager{strategies: strategies, orders: orders}
}

// Evaluate runs the checks in order and short-circuits on the first failure.
func (m *Manager) Evaluate(ctx context.Context, s domain.Strategy, p Proposal, now time.Time) (Decision, error) {
	// 1. Operational state
	if !s.Active {
		return deny(DenyInactive), nil
	}
	if s.Paused {
		return deny(DenyPaused), nil
	}
	if s.Breaker.Tripped {
		return deny(DenyCircuitBreaker), nil
	}

	// 2. Daily loss budget, counting this order at its worst
	if s.Risk.MaxDailyLoss > 0 && s.DailyLossFor(now)+p.WorstCaseLoss > s.Risk.MaxDailyLoss {
		return deny(DenyDailyLoss), nil
	}

	exposure, posCost, positions, err := m.openExposure(ctx, s.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk.Evaluate: %w", err)
	}

	// 3. Drawdown from the high-water mark. Fill cost leaves the ledger but
	// is still the strategy's capital until the market resolves, so it counts
	// as equity here: deployed capital is not a loss.
	if s.Risk.MaxDrawdownPct > 0 && s.PeakEquity > 0 {
		dd := (s.PeakEquity - (s.Equity() + posCost)) / s.PeakEquity
		if dd > s.Risk.MaxDrawdownPct {
			return deny(DenyDrawdown), nil
		}
	}

	// 4. Size, exposure, concurrency
	if s.Risk.MaxPositionSize > 0 && p.Notional > s.Risk.MaxPositionSize {
		return deny(DenyPositionSize), nil
	}
	if s.Risk.MaxExposure > 0 && exposure+p.Notional > s.Risk.MaxExposure {
		return deny(DenyExposure), nil
	}
	if s.Risk.MaxConcurrentPositions > 0 && len(positions) >= s.Risk.MaxConcurrentPositions && !positions[p.MarketID] {
		return deny(DenyConcurrent), nil
	}

	// 5. Cooldown hold on this market
	holds, err := m.strategies.GetActiveCooldownHolds(ctx, s.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk.Evaluate: cooldown holds: %w", err)
	}
	for _, h := range holds {
		if h.MarketID == p.MarketID && now.Before(h.ReleaseAt) {
			return deny(DenyCooldown), nil
		}
	}

	return allow(), nil
}

// Precheck runs the denials that need no venue quote: operational state, an
// exhausted daily budget, and the cooldown hold on the market. The executor
// runs it before token resolution so a doomed signal never spends venue rate
// limit; Evaluate then repeats every check with the real notional.
func (m *Manager) Precheck(ctx context.Context, s domain.Strategy, marketID string, now time.Time) (Decision, error) {
	if !s.Active {
		return deny(DenyInactive), nil
	}
	if s.Paused {
		return deny(DenyPaused), nil
	}
	if s.Breaker.Tripped {
		return deny(DenyCircuitBreaker), nil
	}

	// Any order has a positive worst case, so a spent budget denies them all.
	if s.Risk.MaxDailyLoss > 0 && s.DailyLossFor(now) >= s.Risk.MaxDailyLoss {
		return deny(DenyDailyLoss), nil
	}

	holds, err := m.strategies.GetActiveCooldownHolds(ctx, s.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk.Precheck: cooldown holds: %w", err)
	}
	for _, h := range holds {
		if h.MarketID == marketID && now.Before(h.ReleaseAt) {
			return deny(DenyCooldown), nil
		}
	}
	return allow(), nil
}

// openExposure sums capital committed to the market: remaining reservations
// of open orders plus the cost sitting in unresolved filled positions.
// posCost is the fill-cost portion alone, the money ConsumeFill moved off
// the ledger; positions is the set of distinct markets carrying capital.
func (m *Manager) openExposure(ctx context.Context, strategyID string) (total, posCost float64, positions map[string]bool, err error) {
	positions = make(map[string]bool)

	open, err := m.orders.GetOpenOrdersByStrategy(ctx, strategyID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("open orders: %w", err)
	}
	for _, o := range open {
		total += o.RemainingLocked() + o.FilledCost()
		posCost += o.FilledCost()
		positions[o.MarketID] = true
	}

	filled, err := m.orders.GetUnsettledFilledOrders(ctx, "")
	if err != nil {
		return 0, 0, nil, fmt.Errorf("filled orders: %w", err)
	}
	for _, o := range filled {
		if o.StrategyID != strategyID {
			continue
		}
		total += o.FilledCost()
		posCost += o.FilledCost()
		positions[o.MarketID] = true
	}
	return total, posCost, positions, nil
}

// NoteSettled re-checks the automatic halt thresholds after a settlement or
// reconciliation updated realized figures. Trips the breaker when breached;
// never un-trips it — recovery is ResumeBreaker, a human decision.
func (m *Manager) NoteSettled(ctx context.Context, s domain.Strategy, now time.Time) error {
	if s.Breaker.Tripped {
		return nil
	}

	var reason string
	if s.Risk.MaxDailyLoss > 0 && s.DailyLossFor(now) >= s.Risk.MaxDailyLoss {
		reason = fmt.Sprintf("daily loss $%.2f reached limit $%.2f", s.DailyLossFor(now), s.Risk.MaxDailyLoss)
	}
	if reason == "" && s.Risk.MaxDrawdownPct > 0 && s.PeakEquity > 0 {
		// Unresolved position cost is equity, same as in Evaluate: a strategy
		// that merely deployed its capital has lost nothing yet.
		_, posCost, _, err := m.openExposure(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("risk.NoteSettled: %w", err)
		}
		dd := (s.PeakEquity - (s.Equity() + posCost)) / s.PeakEquity
		if dd > s.Risk.MaxDrawdownPct {
			reason = fmt.Sprintf("drawdown %.1f%% from peak $%.2f", dd*100, s.PeakEquity)
		}
	}
	if reason == "" {
		return nil
	}

	slog.Warn("risk: circuit breaker tripped",
		"strategy", s.ID,
		"reason", reason,
	)
	return m.updateFlags(ctx, s.ID, func(s *domain.Strategy) {
		s.Breaker.Trip(reason, now)
	})
}

// Pause blocks new locks for the strategy. In-flight orders are untouched.
func (m *Manager) Pause(ctx context.Context, strategyID string) error {
	return m.updateFlags(ctx, strategyID, func(s *domain.Strategy) { s.Paused = true })
}

// Resume clears a manual pause. Independent of the circuit breaker.
func (m *Manager) Resume(ctx context.Context, strategyID string) error {
	return m.updateFlags(ctx, strategyID, func(s *domain.Strategy) { s.Paused = false })
}

// ResumeBreaker is the explicit manual reset of a tripped circuit breaker.
func (m *Manager) ResumeBreaker(ctx context.Context, strategyID string) error {
	return m.updateFlags(ctx, strategyID, func(s *domain.Strategy) { s.Breaker.Resume() })
}

// ApplyRiskConfig replaces the strategy's risk limits (operator presets).
func (m *Manager) ApplyRiskConfig(ctx context.Context, strategyID string, cfg domain.RiskConfig) error {
	return m.updateFlags(ctx, strategyID, func(s *domain.Strategy) { s.Risk = cfg })
}

// updateFlags applies a flag mutation with a short reload loop for version
// conflicts with concurrent ledger writes.
func (m *Manager) updateFlags(ctx context.Context, strategyID string, fn func(*domain.Strategy)) error {
	for attempt := 0; attempt < 3; attempt++ {
		s, err := m.strategies.GetStrategy(ctx, strategyID)
		if err != nil {
			return fmt.Errorf("risk: get strategy %s: %w", strategyID, err)
		}
		fn(&s)
		err = m.strategies.UpdateStrategy(ctx, s)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleWrite) {
			return fmt.Errorf("risk: update strategy %s: %w", strategyID, err)
		}
	}
	return fmt.Errorf("risk: update strategy %s: %w", strategyID, domain.ErrStaleWrite)
}
