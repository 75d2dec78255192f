package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiiliketocode/polycopy/internal/adapters/storage"
	"github.com/hiiliketocode/polycopy/internal/application/ledger"
	"github.com/hiiliketocode/polycopy/internal/application/reconciler"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
	"github.com/hiiliketocode/polycopy/internal/domain"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeGateway struct {
	statuses  map[string]domain.VenueOrderStatus
	errs      map[string]error
	cancelled []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses: make(map[string]domain.VenueOrderStatus),
		errs:     make(map[string]error),
	}
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	return domain.PlacedOrder{}, errors.New("not used")
}

func (f *fakeGateway) GetOrderStatus(ctx context.Context, venueOrderID string) (domain.VenueOrderStatus, error) {
	if err := f.errs[venueOrderID]; err != nil {
		return domain.VenueOrderStatus{}, err
	}
	vs, ok := f.statuses[venueOrderID]
	if !ok {
		return domain.VenueOrderStatus{VenueOrderID: venueOrderID, State: domain.VenueStateNotFound}, nil
	}
	return vs, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	f.cancelled = append(f.cancelled, venueOrderID)
	return nil
}

type fakeMarkets struct {
	markets map[string]domain.MarketInfo
}

func (f *fakeMarkets) GetMarket(ctx context.Context, marketID string) (domain.MarketInfo, error) {
	if m, ok := f.markets[marketID]; ok {
		m.MarketID = marketID
		return m, nil
	}
	return domain.MarketInfo{MarketID: marketID, FetchedAt: time.Now().UTC()}, nil
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

type fixture struct {
	db      *storage.SQLiteStorage
	led     *ledger.Ledger
	gateway *fakeGateway
	markets *fakeMarkets
	rec     *reconciler.Reconciler
}

func setup(t *testing.T, cfg reconciler.Config) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.New(db)
	rm := risk.New(db, db)
	gw := newFakeGateway()
	mk := &fakeMarkets{markets: make(map[string]domain.MarketInfo)}
	rec := reconciler.New(db, db, gw, mk, led, rm, cfg)
	return &fixture{db: db, led: led, gateway: gw, markets: mk, rec: rec}
}

func seedStrategy(t *testing.T, db *storage.SQLiteStorage, cash, locked float64) domain.Strategy {
	t.Helper()
	s := domain.Strategy{
		ID:             "s1",
		Account:        "acct-1",
		Name:           "nfl-top-traders",
		InitialCapital: cash + locked,
		AvailableCash:  cash,
		LockedCapital:  locked,
		PeakEquity:     cash + locked,
		Active:         true,
		Risk: domain.RiskConfig{
			Cooldown: 30 * time.Minute,
		},
		Policy:            domain.PolicyIOC,
		SlippageTolerance: 0.02,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, db.SaveStrategy(context.Background(), s))
	return s
}

func seedOrder(t *testing.T, db *storage.SQLiteStorage, id, venueID, marketID string, locked float64) domain.Order {
	t.Helper()
	now := time.Now().UTC()
	o := domain.Order{
		ID:           id,
		VenueOrderID: venueID,
		StrategyID:   "s1",
		SignalID:     "sig-" + id,
		MarketID:     marketID,
		TokenID:      "tok-yes",
		Outcome:      "Yes",
		Side:         "BUY",
		Status:       domain.StatusPending,
		SignalPrice:  0.50,
		LimitPrice:   0.51,
		Size:         locked / 0.51,
		LockedAmount: locked,
		Policy:       domain.PolicyIOC,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.SaveOrder(context.Background(), o))
	return o
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestRunOnce_FillConsumesReservation(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 79.6, 20.4)
	o := seedOrder(t, f.db, "o1", "v1", "0xmkt", 20.4)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateMatched,
		FilledSize:   40,
		AvgFillPrice: 0.50,
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fills)
	assert.Equal(t, 0, sum.Errors)

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusFilled, got[0].Status)
	assert.InDelta(t, 40, got[0].FilledSize, 1e-9)
	assert.InDelta(t, 0.50, got[0].FilledPrice, 1e-9)
	assert.Equal(t, o.SignalID, got[0].SignalID)

	// $20 went into the position, the $0.40 reserve excess back to cash.
	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 0, s.LockedCapital, 1e-9)
	assert.InDelta(t, 80.0, s.AvailableCash, 1e-9)
}

func TestRunOnce_CancelledOrderMigratesToCooldown(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 80, 20)
	seedOrder(t, f.db, "o1", "v1", "0xmkt", 20)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateCancelled,
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusCancelled, got[0].Status)

	// The $20 parks in the cooldown reserve, not straight back to cash.
	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 0, s.LockedCapital, 1e-9)
	assert.InDelta(t, 80, s.AvailableCash, 1e-9)
	assert.InDelta(t, 20, s.CooldownReserve, 1e-9)

	holds, err := f.db.GetActiveCooldownHolds(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, "0xmkt", holds[0].MarketID)
	assert.InDelta(t, 20, holds[0].Amount, 1e-9)
}

func TestRunOnce_DisappearedOrderTreatedAsCancelled(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 80, 20)
	seedOrder(t, f.db, "o1", "v-gone", "0xmkt", 20)
	// No status registered: the fake reports NOT_FOUND.

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got[0].Status)

	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 20, s.CooldownReserve, 1e-9)
}

func TestRunOnce_PartialFillShrinksReservation(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 79.6, 20.4)
	seedOrder(t, f.db, "o1", "v1", "0xmkt", 20.4)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateLive,
		FilledSize:   10,
		AvgFillPrice: 0.50,
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fills)

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, got[0].Status)
	assert.InDelta(t, 10, got[0].FilledSize, 1e-9)

	// $5 of the reservation is in the position now; cash untouched, and the
	// drift pass agrees with the remainder.
	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 15.4, s.LockedCapital, 1e-9)
	assert.InDelta(t, 79.6, s.AvailableCash, 1e-9)
	assert.InDelta(t, 0, sum.Drift, 1e-9)
}

func TestRunOnce_MarketResolvedWhileOrderOpen(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 80, 20)
	seedOrder(t, f.db, "o1", "v1", "0xdone", 20)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateLive,
	}
	f.markets.markets["0xdone"] = domain.MarketInfo{
		Closed:          true,
		ResolvedOutcome: "No",
		FetchedAt:       time.Now().UTC(),
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
	assert.Contains(t, f.gateway.cancelled, "v1")

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLostToResolution, got[0].Status)

	// Straight back to cash: there is no market left to cool down from.
	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 100, s.AvailableCash, 1e-9)
	assert.InDelta(t, 0, s.CooldownReserve, 1e-9)
}

func TestRunOnce_RepairsLedgerDrift(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	// The store says $500 locked but only one $30 order is actually open.
	seedStrategy(t, f.db, 0, 500)
	seedOrder(t, f.db, "o1", "v1", "0xmkt", 30)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateLive,
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 470, sum.Drift, 1e-9)

	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 30, s.LockedCapital, 1e-9)
	assert.InDelta(t, 470, s.AvailableCash, 1e-9)

	// Second pass is a no-op.
	sum, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, sum.Drift, 1e-9)
}

func TestRunOnce_ReleasesMaturedCooldownHolds(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	s := seedStrategy(t, f.db, 80, 0)
	s.CooldownReserve = 20
	require.NoError(t, f.db.SaveStrategy(ctx, s))

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.db.SaveCooldownHold(ctx, domain.CooldownHold{
		StrategyID: "s1",
		MarketID:   "0xmkt",
		Amount:     20,
		CreatedAt:  past.Add(-30 * time.Minute),
		ReleaseAt:  past,
	}))

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20, sum.Matured, 1e-9)

	got, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 100, got.AvailableCash, 1e-9)
	assert.InDelta(t, 0, got.CooldownReserve, 1e-9)

	holds, err := f.db.GetActiveCooldownHolds(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestRunOnce_OrderFailureDoesNotStopBatch(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 60, 40)
	seedOrder(t, f.db, "o1", "v1", "0xa", 20)
	time.Sleep(5 * time.Millisecond) // keep placed_at ordering deterministic
	seedOrder(t, f.db, "o2", "v2", "0xb", 20)

	f.gateway.errs["v1"] = errors.New("venue 500")
	f.gateway.statuses["v2"] = domain.VenueOrderStatus{
		VenueOrderID: "v2",
		State:        domain.VenueStateMatched,
		FilledSize:   39,
		AvgFillPrice: 0.50,
	}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Fills)

	got, err := f.db.GetOrdersByStrategy(ctx, "s1", 10)
	require.NoError(t, err)
	byID := map[string]domain.Order{}
	for _, o := range got {
		byID[o.ID] = o
	}
	assert.Equal(t, domain.StatusPending, byID["o1"].Status)
	assert.Equal(t, domain.StatusFilled, byID["o2"].Status)
}

func TestRunOnce_BatchLimitBoundsThePoll(t *testing.T) {
	f := setup(t, reconciler.Config{BatchLimit: 1})
	ctx := context.Background()

	seedStrategy(t, f.db, 60, 40)
	seedOrder(t, f.db, "o1", "v1", "0xa", 20)
	time.Sleep(5 * time.Millisecond)
	seedOrder(t, f.db, "o2", "v2", "0xb", 20)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{VenueOrderID: "v1", State: domain.VenueStateLive}
	f.gateway.statuses["v2"] = domain.VenueOrderStatus{VenueOrderID: "v2", State: domain.VenueStateLive}

	sum, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Polled)
}

func TestRunOnce_CancelFeeRealizedAsLoss(t *testing.T) {
	f := setup(t, reconciler.Config{CancelFeeRate: 0.01})
	ctx := context.Background()

	seedStrategy(t, f.db, 80, 20)
	seedOrder(t, f.db, "o1", "v1", "0xmkt", 20)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateCancelled,
	}

	_, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)

	s, err := f.db.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 20, s.CooldownReserve, 1e-9)
	assert.InDelta(t, 80-0.20, s.AvailableCash, 1e-9)
	assert.InDelta(t, -0.20, s.RealizedPnL, 1e-9)
}

func TestRunOnce_WritesDailySummary(t *testing.T) {
	f := setup(t, reconciler.Config{})
	ctx := context.Background()

	seedStrategy(t, f.db, 79.6, 20.4)
	seedOrder(t, f.db, "o1", "v1", "0xmkt", 20.4)
	f.gateway.statuses["v1"] = domain.VenueOrderStatus{
		VenueOrderID: "v1",
		State:        domain.VenueStateMatched,
		FilledSize:   40,
		AvgFillPrice: 0.50,
	}

	_, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)

	dailies, err := f.db.GetDailySummaries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, dailies, 1)
	assert.Equal(t, 1, dailies[0].OrdersPlaced)
	assert.Equal(t, 1, dailies[0].Fills)
}
