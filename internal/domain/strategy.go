package domain

import (
	"time"
)

// moneyEpsilon absorbs float64 rounding in ledger comparisons. A lock for
// exactly the available cash must succeed; one cent over must fail.
const moneyEpsilon = 1e-9

// OrderPolicy selects how an order interacts with the book.
type OrderPolicy string

const (
	// PolicyIOC fills whatever is immediately available and cancels the
	// remainder. Default: avoids resting orders that fill later at a stale price.
	PolicyIOC OrderPolicy = "IOC"
	// PolicyRest leaves the order on the book until filled or cancelled.
	PolicyRest OrderPolicy = "REST"
)

// RiskConfig holds the per-strategy risk limits. Every field is enforced by
// the risk manager; zero means "no limit" except where noted.
type RiskConfig struct {
	MaxDrawdownPct         float64       // drawdown from peak equity that trips the breaker (0.20 = 20%)
	MaxDailyLoss           float64       // USDC realized loss allowed per UTC day
	MaxPositionSize        float64       // USDC notional per order
	MaxExposure            float64       // USDC total open notional
	MaxConcurrentPositions int           // distinct markets with open capital
	Cooldown               time.Duration // hold on unlocked capital before it returns to cash
}

// CircuitBreaker is the automatic trading halt. It trips when a risk limit is
// breached during settlement or reconciliation and only a manual resume
// re-arms it: no automatic recovery, a human has to look first.
type CircuitBreaker struct {
	Tripped   bool
	Reason    string
	TrippedAt *time.Time
}

// Trip halts new order submission. Existing open orders are unaffected.
func (cb *CircuitBreaker) Trip(reason string, at time.Time) {
	if cb.Tripped {
		return
	}
	cb.Tripped = true
	cb.Reason = reason
	cb.TrippedAt = &at
}

// Resume re-arms the breaker. Manual only.
func (cb *CircuitBreaker) Resume() {
	cb.Tripped = false
	cb.Reason = ""
	cb.TrippedAt = nil
}

// Strategy is a configured, capital-allocated trading policy. The ledger
// fields (AvailableCash, LockedCapital, CooldownReserve, RealizedPnL) live on
// the strategy row itself; an audit trail of mutations is kept separately.
type Strategy struct {
	ID      string
	Account string
	Name    string

	InitialCapital  float64
	AvailableCash   float64
	LockedCapital   float64
	CooldownReserve float64
	RealizedPnL     float64

	// PeakEquity is the running high-water mark used for drawdown checks.
	PeakEquity float64
	// DailyLoss accumulates realized losses for DailyLossDate (UTC day).
	DailyLoss     float64
	DailyLossDate time.Time

	Risk    RiskConfig
	Active  bool
	Paused  bool
	Breaker CircuitBreaker

	Policy            OrderPolicy
	SlippageTolerance float64

	CreatedAt  time.Time
	ArchivedAt *time.Time

	// Version is bumped on every ledger write; the store rejects stale
	// writes so two concurrent runs cannot double-lock the same cash.
	Version int64
}

// Capacity is the hard cap on LockedCapital: initial capital plus whatever
// has been realized. Locked capital above this figure cannot correspond to
// real money and is by definition ledger drift.
func (s Strategy) Capacity() float64 {
	return s.InitialCapital + s.RealizedPnL
}

// Equity is the strategy's current accounted capital.
func (s Strategy) Equity() float64 {
	return s.AvailableCash + s.LockedCapital + s.CooldownReserve
}

// CanTrade reports whether new order submission is allowed at all.
func (s Strategy) CanTrade() bool {
	return s.Active && !s.Paused && !s.Breaker.Tripped
}

// DailyLossFor returns the realized loss accumulated for the given UTC day.
// A day rollover resets the figure to zero.
func (s Strategy) DailyLossFor(day time.Time) float64 {
	if !sameUTCDay(s.DailyLossDate, day) {
		return 0
	}
	return s.DailyLoss
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// LedgerEventKind classifies entries in the ledger audit trail.
type LedgerEventKind string

const (
	LedgerEventLock      LedgerEventKind = "LOCK"
	LedgerEventUnlock    LedgerEventKind = "UNLOCK"
	LedgerEventCooldown  LedgerEventKind = "COOLDOWN"
	LedgerEventMature    LedgerEventKind = "MATURE"
	LedgerEventReconcile LedgerEventKind = "RECONCILE"
	LedgerEventSettle    LedgerEventKind = "SETTLE"
)

// LedgerEvent is one audited ledger mutation.
type LedgerEvent struct {
	ID             int64
	StrategyID     string
	Kind           LedgerEventKind
	Amount         float64
	AvailableAfter float64
	LockedAfter    float64
	CooldownAfter  float64
	Detail         string
	CreatedAt      time.Time
}

// CooldownHold is capital parked out of available cash after an unlock,
// released back once the hold elapses. MarketID marks the conditions that
// produced the hold so re-entry into the same market can be delayed.
type CooldownHold struct {
	ID         int64
	StrategyID string
	MarketID   string
	Amount     float64
	CreatedAt  time.Time
	ReleaseAt  time.Time
	Released   bool
}

// DailySummary is the per-strategy daily snapshot written by the reconciler.
type DailySummary struct {
	StrategyID      string
	Date            time.Time
	OrdersPlaced    int
	Fills           int
	RealizedPnL     float64
	CapitalDeployed float64
	AvailableCash   float64
	CooldownReserve float64
}
