package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiiliketocode/polycopy/internal/adapters/storage"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
	"github.com/hiiliketocode/polycopy/internal/domain"
)

func setup(t *testing.T) (*storage.SQLiteStorage, *risk.Manager) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, risk.New(db, db)
}

func baseStrategy() domain.Strategy {
	return domain.Strategy{
		ID:             "s1",
		Account:        "acct-1",
		Name:           "nfl-top-traders",
		InitialCapital: 1000,
		AvailableCash:  1000,
		PeakEquity:     1000,
		Active:         true,
		Risk: domain.RiskConfig{
			MaxDrawdownPct:         0.20,
			MaxDailyLoss:           100,
			MaxPositionSize:        200,
			MaxExposure:            500,
			MaxConcurrentPositions: 3,
			Cooldown:               30 * time.Minute,
		},
		Policy:            domain.PolicyIOC,
		SlippageTolerance: 0.02,
		CreatedAt:         time.Now().UTC(),
	}
}

func proposal(notional float64) risk.Proposal {
	return risk.Proposal{
		MarketID:      "0xmkt",
		Side:          "BUY",
		Notional:      notional,
		WorstCaseLoss: notional,
	}
}

func TestWorstCaseLoss(t *testing.T) {
	// A buy burns the premium; a losing sell pays out the remainder.
	assert.InDelta(t, 30.0, risk.WorstCaseLoss("BUY", 100, 0.30), 1e-9)
	assert.InDelta(t, 70.0, risk.WorstCaseLoss("SELL", 100, 0.30), 1e-9)
}

func TestEvaluate_OperationalStateOrder(t *testing.T) {
	_, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.Active = false
	s.Paused = true
	s.Breaker.Tripped = true

	// Inactive wins even when everything else is also wrong.
	d, err := rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyInactive, d.Reason)

	s.Active = true
	d, err = rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyPaused, d.Reason)

	s.Paused = false
	d, err = rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyCircuitBreaker, d.Reason)
}

func TestEvaluate_AllowsHealthyStrategy(t *testing.T) {
	_, rm := setup(t)

	d, err := rm.Evaluate(context.Background(), baseStrategy(), proposal(50), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestEvaluate_DailyLossCountsWorstCase(t *testing.T) {
	_, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.DailyLoss = 80
	s.DailyLossDate = now

	// 80 lost today + 30 worst case > 100 limit.
	d, err := rm.Evaluate(ctx, s, proposal(30), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyDailyLoss, d.Reason)

	// 80 + 15 stays inside the budget.
	d, err = rm.Evaluate(ctx, s, proposal(15), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Yesterday's losses don't count against today.
	s.DailyLossDate = now.Add(-24 * time.Hour)
	d, err = rm.Evaluate(ctx, s, proposal(30), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_Drawdown(t *testing.T) {
	_, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.PeakEquity = 1000
	s.RealizedPnL = -250
	s.AvailableCash = 750
	s.DailyLossDate = now.Add(-48 * time.Hour) // keep daily-loss check out of the way

	// Equity 750 against peak 1000 is a 25% drawdown, past the 20% limit.
	d, err := rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyDrawdown, d.Reason)

	s.RealizedPnL = -100
	s.AvailableCash = 900
	d, err = rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_DeployedCapitalIsNotDrawdown(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// $300 of a $1000 book sits in an unresolved fill: cash dropped to 700
	// with zero realized loss. 30% deployed must not read as 30% drawdown.
	s := baseStrategy()
	s.AvailableCash = 700
	s.Risk.MaxDailyLoss = 0
	require.NoError(t, db.SaveStrategy(ctx, s))

	filled := domain.Order{
		ID: "o1", StrategyID: s.ID, SignalID: "sig1", MarketID: "0xa",
		TokenID: "tok", Outcome: "Yes", Side: "BUY",
		Status: domain.StatusFilled, LimitPrice: 0.50, Size: 600,
		FilledSize: 600, FilledPrice: 0.50,
		LockedAmount: 300, Policy: domain.PolicyIOC, PlacedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SaveOrder(ctx, filled))

	d, err := rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "deploying capital is not a loss: %s", d.Reason)
}

func TestEvaluate_DrawdownAtExactLimitPasses(t *testing.T) {
	_, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.PeakEquity = 1000
	s.RealizedPnL = -200
	s.AvailableCash = 800
	s.DailyLossDate = now.Add(-48 * time.Hour)

	// Exactly 20% under the peak with a 20% limit: the boundary passes,
	// only a breach past it denies.
	d, err := rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_PositionSize(t *testing.T) {
	_, rm := setup(t)

	s := baseStrategy()
	p := proposal(200.01)
	p.WorstCaseLoss = 50 // keep the daily-loss check quiet

	d, err := rm.Evaluate(context.Background(), s, p, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, risk.DenyPositionSize, d.Reason)
}

func TestEvaluate_ExposureIncludesOpenAndFilled(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.Risk.MaxDailyLoss = 0 // isolate the exposure check
	require.NoError(t, db.SaveStrategy(ctx, s))

	// $200 reserved in a pending order plus $250 committed in an
	// unresolved fill = $450 exposure.
	open := domain.Order{
		ID: "o1", StrategyID: s.ID, SignalID: "sig1", MarketID: "0xa",
		TokenID: "tok", Outcome: "Yes", Side: "BUY",
		Status: domain.StatusPending, LimitPrice: 0.50, Size: 400,
		LockedAmount: 200, Policy: domain.PolicyIOC, PlacedAt: now, UpdatedAt: now,
	}
	filled := domain.Order{
		ID: "o2", StrategyID: s.ID, SignalID: "sig2", MarketID: "0xb",
		TokenID: "tok", Outcome: "Yes", Side: "BUY",
		Status: domain.StatusFilled, LimitPrice: 0.50, Size: 500,
		FilledSize: 500, FilledPrice: 0.50,
		LockedAmount: 250, Policy: domain.PolicyIOC, PlacedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SaveOrder(ctx, open))
	require.NoError(t, db.SaveOrder(ctx, filled))

	// 450 + 60 would breach the $500 cap.
	d, err := rm.Evaluate(ctx, s, proposal(60), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyExposure, d.Reason)

	d, err = rm.Evaluate(ctx, s, proposal(40), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_ConcurrentPositions(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.Risk.MaxConcurrentPositions = 2
	s.Risk.MaxExposure = 0
	s.Risk.MaxDailyLoss = 0
	require.NoError(t, db.SaveStrategy(ctx, s))

	for i, mkt := range []string{"0xa", "0xb"} {
		o := domain.Order{
			ID: string(rune('a' + i)), StrategyID: s.ID, SignalID: "sig" + mkt,
			MarketID: mkt, TokenID: "tok", Outcome: "Yes", Side: "BUY",
			Status: domain.StatusPending, LimitPrice: 0.50, Size: 20,
			LockedAmount: 10, Policy: domain.PolicyIOC, PlacedAt: now, UpdatedAt: now,
		}
		require.NoError(t, db.SaveOrder(ctx, o))
	}

	// A third market is one position too many.
	p := proposal(10)
	p.MarketID = "0xc"
	d, err := rm.Evaluate(ctx, s, p, now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyConcurrent, d.Reason)

	// Adding to an existing market is not a new position.
	p.MarketID = "0xa"
	d, err = rm.Evaluate(ctx, s, p, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_CooldownHold(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	require.NoError(t, db.SaveStrategy(ctx, s))
	require.NoError(t, db.SaveCooldownHold(ctx, domain.CooldownHold{
		StrategyID: s.ID,
		MarketID:   "0xmkt",
		Amount:     20,
		CreatedAt:  now,
		ReleaseAt:  now.Add(30 * time.Minute),
	}))

	d, err := rm.Evaluate(ctx, s, proposal(10), now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyCooldown, d.Reason)

	// Other markets trade freely while this one cools down.
	p := proposal(10)
	p.MarketID = "0xother"
	d, err = rm.Evaluate(ctx, s, p, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// The hold expires on its own.
	d, err = rm.Evaluate(ctx, s, proposal(10), now.Add(31*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPrecheck_DeniesWithoutTouchingQuotes(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	require.NoError(t, db.SaveStrategy(ctx, s))

	d, err := rm.Precheck(ctx, s, "0xmkt", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Budget fully spent: every order has a positive worst case.
	spent := s
	spent.DailyLoss = 100
	spent.DailyLossDate = now
	d, err = rm.Precheck(ctx, spent, "0xmkt", now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyDailyLoss, d.Reason)

	tripped := s
	tripped.Breaker.Trip("daily loss $110.00 reached limit $100.00", now)
	d, err = rm.Precheck(ctx, tripped, "0xmkt", now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyCircuitBreaker, d.Reason)

	hold := domain.CooldownHold{
		StrategyID: s.ID, MarketID: "0xheld", Amount: 20,
		CreatedAt: now, ReleaseAt: now.Add(time.Hour),
	}
	require.NoError(t, db.SaveCooldownHold(ctx, hold))
	d, err = rm.Precheck(ctx, s, "0xheld", now)
	require.NoError(t, err)
	assert.Equal(t, risk.DenyCooldown, d.Reason)

	d, err = rm.Precheck(ctx, s, "0xother", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNoteSettled_TripsOnDrawdown(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.PeakEquity = 1000
	s.RealizedPnL = -220
	s.AvailableCash = 780
	s.DailyLossDate = now.Add(-48 * time.Hour)
	require.NoError(t, db.SaveStrategy(ctx, s))

	// 22% under the peak with a 20% limit: halt.
	require.NoError(t, rm.NoteSettled(ctx, s, now))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Breaker.Tripped)
	assert.Contains(t, got.Breaker.Reason, "drawdown")
	require.NotNil(t, got.Breaker.TrippedAt)

	// Nothing automatic clears it.
	require.NoError(t, rm.NoteSettled(ctx, got, now.Add(time.Hour)))
	got, err = db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Breaker.Tripped)
}

func TestNoteSettled_DeployedCapitalDoesNotTrip(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Same book as the Evaluate case: 30% of capital in an open position,
	// nothing realized. The halt thresholds must stay quiet.
	s := baseStrategy()
	s.AvailableCash = 700
	s.Risk.MaxDailyLoss = 0
	require.NoError(t, db.SaveStrategy(ctx, s))

	filled := domain.Order{
		ID: "o1", StrategyID: s.ID, SignalID: "sig1", MarketID: "0xa",
		TokenID: "tok", Outcome: "Yes", Side: "BUY",
		Status: domain.StatusFilled, LimitPrice: 0.50, Size: 600,
		FilledSize: 600, FilledPrice: 0.50,
		LockedAmount: 300, Policy: domain.PolicyIOC, PlacedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SaveOrder(ctx, filled))

	require.NoError(t, rm.NoteSettled(ctx, s, now))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Breaker.Tripped)
}

func TestNoteSettled_TripsOnDailyLoss(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.DailyLoss = 100
	s.DailyLossDate = now
	require.NoError(t, db.SaveStrategy(ctx, s))

	require.NoError(t, rm.NoteSettled(ctx, s, now))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Breaker.Tripped)
	assert.Contains(t, got.Breaker.Reason, "daily loss")
}

func TestNoteSettled_NoTripInsideLimits(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.DailyLoss = 40
	s.DailyLossDate = now
	require.NoError(t, db.SaveStrategy(ctx, s))

	require.NoError(t, rm.NoteSettled(ctx, s, now))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Breaker.Tripped)
}

func TestResumeBreaker_ManualOnly(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := baseStrategy()
	s.Breaker.Trip("drawdown 25.0% from peak $1000.00", now)
	require.NoError(t, db.SaveStrategy(ctx, s))

	require.NoError(t, rm.ResumeBreaker(ctx, s.ID))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Breaker.Tripped)
	assert.Empty(t, got.Breaker.Reason)

	d, err := rm.Evaluate(ctx, got, proposal(10), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPauseResume(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()

	s := baseStrategy()
	require.NoError(t, db.SaveStrategy(ctx, s))

	require.NoError(t, rm.Pause(ctx, s.ID))
	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)

	require.NoError(t, rm.Resume(ctx, s.ID))
	got, err = db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused)
}

func TestApplyRiskConfig(t *testing.T) {
	db, rm := setup(t)
	ctx := context.Background()

	s := baseStrategy()
	require.NoError(t, db.SaveStrategy(ctx, s))

	tighter := domain.RiskConfig{
		MaxDrawdownPct:         0.10,
		MaxDailyLoss:           50,
		MaxPositionSize:        100,
		MaxExposure:            250,
		MaxConcurrentPositions: 2,
		Cooldown:               time.Hour,
	}
	require.NoError(t, rm.ApplyRiskConfig(ctx, s.ID, tighter))

	got, err := db.GetStrategy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, tighter, got.Risk)
}
