package notify

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

func TestPrintReport_ShowsLedgerAndBreakerState(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)

	tripped := domain.Strategy{
		ID:             "s2",
		Name:           "nba-whales",
		InitialCapital: 500,
		AvailableCash:  390,
		RealizedPnL:    -110,
		Active:         true,
	}
	tripped.Breaker.Trip("daily loss $110.00 reached limit $100.00", time.Now())

	c.PrintReport(Report{
		GeneratedAt: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		WalletUSDC:  812.55,
		Strategies: []StrategyReport{
			{Strategy: domain.Strategy{
				ID:              "s1",
				Name:            "nfl-top-traders",
				InitialCapital:  1000,
				AvailableCash:   640,
				LockedCapital:   300,
				CooldownReserve: 60,
				Active:          true,
			}},
			{Strategy: tripped},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "wallet USDC.e: $812.55")
	assert.Contains(t, out, "nfl-top-traders")
	assert.Contains(t, out, "$300.00")
	assert.Contains(t, out, "BREAKER: daily loss")
}

func TestPrintReport_OrderHistoryAndDailies(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)

	now := time.Date(2026, 8, 29, 9, 30, 0, 0, time.UTC)
	c.PrintReport(Report{
		GeneratedAt: now,
		WalletUSDC:  -1, // sin RPC configurado
		Strategies: []StrategyReport{{
			Strategy: domain.Strategy{ID: "s1", Name: "nfl-top-traders", Active: true},
			Recent: []domain.Order{{
				MarketID:    "0x123456789abcdef0123",
				Side:        "BUY",
				Status:      domain.StatusWon,
				LimitPrice:  0.51,
				Size:        40,
				FilledSize:  40,
				FilledPrice: 0.50,
				RealizedPnL: 20,
				PlacedAt:    now,
			}},
			Dailies: []domain.DailySummary{{
				Date:         now.Truncate(24 * time.Hour),
				OrdersPlaced: 3,
				Fills:        2,
				RealizedPnL:  12.5,
			}},
		}},
	})

	out := buf.String()
	assert.NotContains(t, out, "wallet USDC.e")
	assert.Contains(t, out, "WON")
	assert.Contains(t, out, "$+20.00")
	assert.Contains(t, out, "2026-08-29")
	assert.Contains(t, out, "$+12.50")
}

func TestStrategyState_BreakerOutranksOtherFlags(t *testing.T) {
	s := domain.Strategy{Paused: true}
	s.Breaker.Trip("drawdown 25.0% from peak $1000.00", time.Now())

	// Ni inactive ni paused pueden tapar un trip.
	assert.Equal(t, "BREAKER: drawdown 25.0% from peak $1000.00", strategyState(s))

	s.Breaker.Resume()
	assert.Equal(t, "inactive", strategyState(s))
}

func TestCompactID(t *testing.T) {
	assert.Equal(t, "short", compactID("short", 14))
	got := compactID("0x123456789abcdef0123", 14)
	assert.Contains(t, got, "…")
	assert.LessOrEqual(t, len([]rune(got)), 14)
}
