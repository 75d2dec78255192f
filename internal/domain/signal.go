package domain

import "time"

// Signal is an externally-validated trade recommendation produced by the
// upstream paper-trading engine. Immutable from this system's perspective:
// each strategy consumes a given source trade at most once.
type Signal struct {
	// ID is the source trade id and the dedup key per strategy.
	ID       string
	MarketID string
	// Outcome is the side of the market the source trader took ("Yes"/"No").
	Outcome   string
	Side      string // "BUY" | "SELL"
	Price     float64
	Size      float64 // shares
	Timestamp time.Time
	Qualified bool
}

// Notional is the USDC value of the signal at its suggested price.
func (sig Signal) Notional() float64 {
	return sig.Size * sig.Price
}
