package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitPrice_Buy(t *testing.T) {
	// 0.50 × 1.02 = 0.51
	assert.InDelta(t, 0.51, LimitPrice("BUY", 0.50, 0.02), 0.0001)
}

func TestLimitPrice_Sell(t *testing.T) {
	// 0.50 × 0.98 = 0.49
	assert.InDelta(t, 0.49, LimitPrice("SELL", 0.50, 0.02), 0.0001)
}

func TestLimitPrice_ClampsToVenueRange(t *testing.T) {
	assert.Equal(t, 0.99, LimitPrice("BUY", 0.98, 0.10))
	assert.Equal(t, 0.01, LimitPrice("SELL", 0.01, 0.50))
}

func TestRealizedPnL_WinningBuy(t *testing.T) {
	// 100 shares at 0.40 → win pays $1/share → +$60
	assert.InDelta(t, 60.0, RealizedPnL("BUY", true, 100, 0.40), 0.001)
}

func TestRealizedPnL_LosingBuy(t *testing.T) {
	assert.InDelta(t, -40.0, RealizedPnL("BUY", false, 100, 0.40), 0.001)
}

func TestRealizedPnL_SellIsSymmetric(t *testing.T) {
	// Winning sell keeps the premium, losing sell pays out the rest.
	assert.InDelta(t, 40.0, RealizedPnL("SELL", true, 100, 0.40), 0.001)
	assert.InDelta(t, -60.0, RealizedPnL("SELL", false, 100, 0.40), 0.001)
}

func TestSlippage_SignedPositiveIsWorse(t *testing.T) {
	assert.InDelta(t, 0.02, Slippage("BUY", 0.50, 0.52), 0.0001)
	assert.InDelta(t, 0.02, Slippage("SELL", 0.50, 0.48), 0.0001)
	assert.InDelta(t, -0.01, Slippage("BUY", 0.50, 0.49), 0.0001)
}

func TestOrder_RemainingLocked(t *testing.T) {
	o := Order{Side: "BUY", Status: StatusPartial, LockedAmount: 20, FilledSize: 10, FilledPrice: 0.50}
	assert.InDelta(t, 15.0, o.RemainingLocked(), 0.001)

	// A sell consumes collateral, not premium.
	sell := Order{Side: "SELL", Status: StatusPartial, LockedAmount: 30, FilledSize: 10, FilledPrice: 0.40}
	assert.InDelta(t, 24.0, sell.RemainingLocked(), 0.001)

	o.Status = StatusFilled
	assert.Equal(t, 0.0, o.RemainingLocked())
}

func TestMarketInfo_TokenLookup(t *testing.T) {
	m := MarketInfo{Tokens: [2]OutcomeToken{
		{TokenID: "tok-yes", Outcome: "Yes"},
		{TokenID: "tok-no", Outcome: "No"},
	}}

	tok, ok := m.Token("No")
	assert.True(t, ok)
	assert.Equal(t, "tok-no", tok.TokenID)

	_, ok = m.Token("Maybe")
	assert.False(t, ok)
}

func TestMarketInfo_Stale(t *testing.T) {
	now := time.Now()
	m := MarketInfo{FetchedAt: now.Add(-10 * time.Second)}
	assert.False(t, m.Stale(30*time.Second, now))
	assert.True(t, m.Stale(5*time.Second, now))
}
