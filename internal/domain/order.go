package domain

import (
	"math"
	"time"
)

// OrderStatus is the lifecycle of a copied order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	// StatusLostToResolution marks an order whose market resolved before it
	// filled. The reserved capital is recovered, nothing was at risk.
	StatusLostToResolution OrderStatus = "LOST_TO_RESOLUTION"
	StatusWon              OrderStatus = "WON"
	StatusLost             OrderStatus = "LOST"
)

// Open reports whether the order still has capital reserved at the venue.
func (st OrderStatus) Open() bool {
	return st == StatusPending || st == StatusPartial
}

// Terminal reports whether the order can never change again.
func (st OrderStatus) Terminal() bool {
	switch st {
	case StatusCancelled, StatusRejected, StatusLostToResolution, StatusWon, StatusLost:
		return true
	}
	return false
}

// Order is one submission attempt. One row per attempt, retained for audit;
// mutated only by the reconciler (fills) and the settlement pass (outcome).
type Order struct {
	ID           string // local UUID
	VenueOrderID string
	StrategyID   string
	SignalID     string // empty for manually triggered orders
	MarketID     string
	TokenID      string
	Outcome      string // "Yes" | "No"
	Side         string // "BUY" | "SELL"
	Status       OrderStatus

	SignalPrice float64
	SignalSize  float64 // shares suggested by the signal
	LimitPrice  float64
	Size        float64 // shares submitted
	FilledSize  float64 // shares filled
	FilledPrice float64 // average fill price
	// SlippageRealized is FilledPrice - SignalPrice signed so that positive
	// always means "worse than the signal".
	SlippageRealized float64

	// LockedAmount is the USDC reserved at submission. Stays attached to the
	// row so the reconciler can recompute the authoritative locked total.
	LockedAmount float64
	Policy       OrderPolicy

	PlacedAt  time.Time
	UpdatedAt time.Time

	Resolution  string // resolved market outcome, set at settlement
	RealizedPnL float64
}

// RemainingLocked is the portion of the reserved capital not yet consumed by
// fills. For a PENDING order this is the full locked amount.
func (o Order) RemainingLocked() float64 {
	if !o.Status.Open() {
		return 0
	}
	rem := o.LockedAmount - o.FilledCost()
	if rem < 0 {
		return 0
	}
	return rem
}

// FilledCost is the reserved capital the fills consumed: premium on a buy,
// payout collateral on a sell.
func (o Order) FilledCost() float64 {
	if o.Side == "SELL" {
		return o.FilledSize * (1 - o.FilledPrice)
	}
	return o.FilledSize * o.FilledPrice
}

// Slippage returns the realized slippage for a fill, signed positive-is-worse.
func Slippage(side string, signalPrice, fillPrice float64) float64 {
	if signalPrice <= 0 || fillPrice <= 0 {
		return 0
	}
	if side == "SELL" {
		return signalPrice - fillPrice
	}
	return fillPrice - signalPrice
}

// LimitPrice bounds the worst-case execution price without guaranteeing a
// fill: a buy pays at most reference*(1+tolerance), a sell accepts at least
// reference*(1-tolerance). Clamped to the venue's valid (0,1) price range.
func LimitPrice(side string, reference, tolerance float64) float64 {
	var p float64
	if side == "SELL" {
		p = reference * (1 - tolerance)
	} else {
		p = reference * (1 + tolerance)
	}
	return clampPrice(p)
}

func clampPrice(p float64) float64 {
	p = math.Round(p*100) / 100
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// RealizedPnL computes the settlement result for a filled position of `size`
// shares entered at `entry`. A winning buy pays out $1 per share; a winning
// sell keeps the premium.
func RealizedPnL(side string, won bool, size, entry float64) float64 {
	if side == "SELL" {
		if won {
			return size * entry
		}
		return -size * (1 - entry)
	}
	if won {
		return size * (1 - entry)
	}
	return -size * entry
}

// PlaceOrderRequest is sent to the venue order gateway.
type PlaceOrderRequest struct {
	TokenID    string
	MarketID   string
	Side       string // "BUY" | "SELL"
	LimitPrice float64
	Size       float64 // shares
	Policy     OrderPolicy
}

// PlacedOrder is the venue's response to a submission.
type PlacedOrder struct {
	VenueOrderID string
	Status       string
	TakenSize    float64 // shares matched immediately
	AvgPrice     float64
}

// VenueOrderStatus is the venue's current view of an order.
type VenueOrderStatus struct {
	VenueOrderID string
	// State is one of "LIVE", "MATCHED", "CANCELLED", "NOT_FOUND".
	State        string
	FilledSize   float64
	AvgFillPrice float64
}

const (
	VenueStateLive      = "LIVE"
	VenueStateMatched   = "MATCHED"
	VenueStateCancelled = "CANCELLED"
	VenueStateNotFound  = "NOT_FOUND"
)

// MarketInfo is the staleness-bounded market snapshot from the metadata cache.
type MarketInfo struct {
	MarketID        string
	Question        string
	Tokens          [2]OutcomeToken
	Closed          bool
	ResolvedOutcome string // "" until resolution
	FetchedAt       time.Time
}

// OutcomeToken is one tradable side of a binary market.
type OutcomeToken struct {
	TokenID string
	Outcome string // "Yes" | "No"
	Price   float64
}

// Token resolves the tradable token for an outcome. Falls back to positional
// order when outcome labels are missing.
func (m MarketInfo) Token(outcome string) (OutcomeToken, bool) {
	for _, t := range m.Tokens {
		if t.Outcome == outcome {
			return t, true
		}
	}
	return OutcomeToken{}, false
}

// Stale reports whether the snapshot is older than the given bound.
func (m MarketInfo) Stale(bound time.Duration, now time.Time) bool {
	return now.Sub(m.FetchedAt) > bound
}
