package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hiiliketocode/polycopy/internal/application/ledger"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
	"github.com/hiiliketocode/polycopy/internal/domain"
	"github.com/hiiliketocode/polycopy/internal/ports"
)

const (
	defaultSignalWindow   = 2 * time.Hour
	defaultMaxParallel    = 4
	defaultResolveRetries = 3
	defaultResolveBackoff = 500 * time.Millisecond
	defaultPriceStaleness = 30 * time.Second
	minOrderShares        = 5
)

// Config holds execution pipeline settings.
type Config struct {
	SignalWindow   time.Duration // how far back to look for unconsumed signals
	MaxParallel    int           // concurrent strategies per run
	ResolveRetries int
	ResolveBackoff time.Duration
	PriceStaleness time.Duration // refuse to execute against older quotes
}

func (c *Config) fillDefaults() {
	if c.SignalWindow <= 0 {
		c.SignalWindow = defaultSignalWindow
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.ResolveRetries <= 0 {
		c.ResolveRetries = defaultResolveRetries
	}
	if c.ResolveBackoff <= 0 {
		c.ResolveBackoff = defaultResolveBackoff
	}
	if c.PriceStaleness <= 0 {
		c.PriceStaleness = defaultPriceStaleness
	}
}

// Executor copies open signals into real orders, one strategy at a time.
// Strategies run concurrently and independently: one strategy's venue
// trouble never stalls the others.
type Executor struct {
	strategies ports.StrategyStore
	orders     ports.OrderStore
	signals    ports.SignalSource
	markets    ports.MarketProvider
	gateway    ports.OrderGateway
	ledger     *ledger.Ledger
	risk       *risk.Manager
	cfg        Config
}

// New creates an execution pipeline.
func New(
	strategies ports.StrategyStore,
	orders ports.OrderStore,
	signals ports.SignalSource,
	markets ports.MarketProvider,
	gateway ports.OrderGateway,
	led *ledger.Ledger,
	rm *risk.Manager,
	cfg Config,
) *Executor {
	cfg.fillDefaults()
	return &Executor{
		strategies: strategies,
		orders:     orders,
		signals:    signals,
		markets:    markets,
		gateway:    gateway,
		ledger:     led,
		risk:       rm,
		cfg:        cfg,
	}
}

// Report summarizes one strategy's pass over the signal feed.
type Report struct {
	StrategyID string
	Signals    int
	Placed     int
	Stats      pipelineStats
	Skipped    bool // whole strategy skipped (paused / breaker / inactive)
}

// BatchResult aggregates one executor run across all strategies.
type BatchResult struct {
	Reports []*Report
}

// Placed sums orders placed across strategies.
func (b *BatchResult) Placed() int {
	n := 0
	for _, r := range b.Reports {
		n += r.Placed
	}
	return n
}

// RunOnce executes one batch: every active strategy walks its unconsumed
// signals oldest-first. Per-strategy failures are contained in the report.
func (e *Executor) RunOnce(ctx context.Context) (*BatchResult, error) {
	strategies, err := e.strategies.GetStrategies(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("executor.RunOnce: get strategies: %w", err)
	}

	result := &BatchResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	for _, s := range strategies {
		s := s
		g.Go(func() error {
			report := e.executeStrategy(gctx, s)
			mu.Lock()
			result.Reports = append(result.Reports, report)
			mu.Unlock()
			return nil // isolation: a strategy never fails the batch
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("executor.RunOnce: %w", err)
	}
	return result, nil
}

// ExecuteStrategy runs the pipeline for a single strategy id (operator
// force-run path).
func (e *Executor) ExecuteStrategy(ctx context.Context, strategyID string) (*Report, error) {
	s, err := e.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("executor.ExecuteStrategy: %w", err)
	}
	return e.executeStrategy(ctx, s), nil
}

func (e *Executor) executeStrategy(ctx context.Context, s domain.Strategy) *Report {
	report := &Report{StrategyID: s.ID}

	if !s.CanTrade() {
		report.Skipped = true
		slog.Debug("executor: strategy not tradable, skipping",
			"strategy", s.ID, "paused", s.Paused, "breaker", s.Breaker.Tripped)
		return report
	}

	signals, err := e.signals.GetOpenSignals(ctx, time.Now().Add(-e.cfg.SignalWindow))
	if err != nil {
		slog.Warn("executor: error reading signal feed", "strategy", s.ID, "err", err)
		return report
	}
	report.Signals = len(signals)

	for _, sig := range signals {
		reason, placed := e.processSignal(ctx, &s, sig)
		if placed {
			report.Placed++
			continue
		}
		report.Stats.record(reason)
		if reason == skipNotTradable {
			// Breaker may have tripped mid-batch; stop submitting.
			break
		}
	}

	report.Stats.log(s.ID, report.Signals, report.Placed)
	return report
}

type skipReason int

const (
	skipNone skipReason = iota
	skipNotTradable
	skipDuplicate
	skipRiskDenied
	skipResolveFailed
	skipStaleQuote
	skipMarketClosed
	skipTooSmall
	skipInsufficientCapital
	skipVenueRejected
	skipStoreError
)

// processSignal runs one signal through the pipeline:
// dedupe → cheap risk denials → token resolution → limit price → risk gate →
// lock → submit. Returns the skip reason, or placed=true when an order row
// was persisted.
func (e *Executor) processSignal(ctx context.Context, s *domain.Strategy, sig domain.Signal) (skipReason, bool) {
	if !s.CanTrade() {
		return skipNotTradable, false
	}

	// 1. Dedupe: one order per source signal per strategy, ever.
	seen, err := e.orders.HasOrderForSignal(ctx, s.ID, sig.ID)
	if err != nil {
		slog.Warn("executor: dedup check failed", "strategy", s.ID, "signal", sig.ID, "err", err)
		return skipStoreError, false
	}
	if seen {
		return skipDuplicate, false
	}

	// 2. Denials that need no quote come first: a signal the gate will
	// refuse anyway must not spend venue rate limit on token resolution.
	pre, err := e.risk.Precheck(ctx, *s, sig.MarketID, time.Now())
	if err != nil {
		slog.Warn("executor: risk precheck failed", "strategy", s.ID, "signal", sig.ID, "err", err)
		return skipStoreError, false
	}
	if !pre.Allowed {
		slog.Debug("executor: risk denied",
			"strategy", s.ID, "signal", sig.ID, "reason", pre.Reason)
		if pre.Reason == risk.DenyCircuitBreaker {
			s.Breaker.Tripped = true // stop the batch via CanTrade
		}
		return skipRiskDenied, false
	}

	// 3. Resolve the tradable token, with retries.
	market, token, err := e.resolveToken(ctx, sig.MarketID, sig.Outcome)
	if err != nil {
		slog.Warn("executor: token resolution failed, skipping signal",
			"strategy", s.ID, "signal", sig.ID, "market", sig.MarketID, "err", err)
		return skipResolveFailed, false
	}
	if market.Closed || market.ResolvedOutcome != "" {
		return skipMarketClosed, false
	}
	if market.Stale(e.cfg.PriceStaleness, time.Now()) {
		return skipStaleQuote, false
	}

	// 4. Limit price bounded by slippage tolerance. The venue quote is the
	// reference; the signal's price only as a fallback.
	reference := token.Price
	if reference <= 0 {
		reference = sig.Price
	}
	limit := domain.LimitPrice(sig.Side, reference, s.SlippageTolerance)
	size := math.Floor(sig.Size)
	if size < minOrderShares {
		return skipTooSmall, false
	}
	notional := lockNotional(sig.Side, size, limit)

	// 5. Risk gate.
	decision, err := e.risk.Evaluate(ctx, *s, risk.Proposal{
		MarketID:      sig.MarketID,
		Side:          sig.Side,
		Notional:      notional,
		WorstCaseLoss: risk.WorstCaseLoss(sig.Side, size, limit),
	}, time.Now())
	if err != nil {
		slog.Warn("executor: risk evaluation failed", "strategy", s.ID, "signal", sig.ID, "err", err)
		return skipStoreError, false
	}
	if !decision.Allowed {
		slog.Debug("executor: risk denied",
			"strategy", s.ID, "signal", sig.ID, "reason", decision.Reason)
		if decision.Reason == risk.DenyCircuitBreaker {
			s.Breaker.Tripped = true // stop the batch via CanTrade
		}
		return skipRiskDenied, false
	}

	// 6. Reserve capital before touching the venue.
	if err := e.ledger.Lock(ctx, s.ID, notional); err != nil {
		slog.Info("executor: lock denied, skipping signal",
			"strategy", s.ID, "signal", sig.ID,
			"amount", fmt.Sprintf("$%.2f", notional), "err", err)
		return skipInsufficientCapital, false
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:           uuid.New().String(),
		StrategyID:   s.ID,
		SignalID:     sig.ID,
		MarketID:     sig.MarketID,
		TokenID:      token.TokenID,
		Outcome:      sig.Outcome,
		Side:         sig.Side,
		Status:       domain.StatusPending,
		SignalPrice:  sig.Price,
		SignalSize:   sig.Size,
		LimitPrice:   limit,
		Size:         size,
		LockedAmount: notional,
		Policy:       s.Policy,
		PlacedAt:     now,
		UpdatedAt:    now,
	}

	// 7. Submit. A venue failure releases the reservation immediately and
	// leaves a REJECTED row for audit; the signal is not retried — by the
	// next cycle its price is stale anyway.
	placed, err := e.gateway.PlaceOrder(ctx, domain.PlaceOrderRequest{
		TokenID:    token.TokenID,
		MarketID:   sig.MarketID,
		Side:       sig.Side,
		LimitPrice: limit,
		Size:       size,
		Policy:     s.Policy,
	})
	if err != nil {
		slog.Warn("executor: venue rejected order, unlocking",
			"strategy", s.ID, "signal", sig.ID, "err", err)
		if unlockErr := e.ledger.Unlock(ctx, s.ID, notional); unlockErr != nil {
			slog.Error("executor: could not unlock after venue failure",
				"strategy", s.ID, "amount", notional, "err", unlockErr)
		}
		order.Status = domain.StatusRejected
		order.UpdatedAt = time.Now().UTC()
		if saveErr := e.orders.SaveOrder(ctx, order); saveErr != nil {
			slog.Warn("executor: error saving rejected order", "err", saveErr)
		}
		return skipVenueRejected, false
	}

	order.VenueOrderID = placed.VenueOrderID
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		// The venue has the order but we lost the row; the reconciler's
		// drift correction will recover the locked figure.
		slog.Error("executor: ORDER PLACED BUT NOT PERSISTED",
			"strategy", s.ID, "venue_order", placed.VenueOrderID, "err", err)
		return skipStoreError, false
	}

	slog.Info("executor: order placed",
		"strategy", s.ID,
		"signal", sig.ID,
		"market", sig.MarketID,
		"side", sig.Side,
		"limit", fmt.Sprintf("%.2f", limit),
		"size", fmt.Sprintf("%.0f", size),
		"locked", fmt.Sprintf("$%.2f", notional),
		"policy", string(s.Policy),
	)
	return skipNone, true
}

// resolveToken maps market+outcome to the tradable token id, retrying with
// exponential backoff. Persistent failure skips the signal, not the run.
func (e *Executor) resolveToken(ctx context.Context, marketID, outcome string) (domain.MarketInfo, domain.OutcomeToken, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.ResolveRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * e.cfg.ResolveBackoff
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return domain.MarketInfo{}, domain.OutcomeToken{}, ctx.Err()
			}
		}
		market, err := e.markets.GetMarket(ctx, marketID)
		if err != nil {
			lastErr = err
			continue
		}
		token, ok := market.Token(outcome)
		if !ok {
			return domain.MarketInfo{}, domain.OutcomeToken{},
				fmt.Errorf("market %s has no %q token", marketID, outcome)
		}
		return market, token, nil
	}
	return domain.MarketInfo{}, domain.OutcomeToken{},
		fmt.Errorf("resolve %s after %d attempts: %w", marketID, e.cfg.ResolveRetries, lastErr)
}

// lockNotional is the capital reserved for an order: premium for a buy,
// worst-case payout for a sell.
func lockNotional(side string, size, limit float64) float64 {
	if side == "SELL" {
		return size * (1 - limit)
	}
	return size * limit
}

type pipelineStats struct {
	duplicate, riskDenied, resolveFailed, staleQuote, marketClosed int
	tooSmall, insufficientCapital, venueRejected, storeError       int
}

func (st *pipelineStats) record(r skipReason) {
	switch r {
	case skipDuplicate:
		st.duplicate++
	case skipRiskDenied:
		st.riskDenied++
	case skipResolveFailed:
		st.resolveFailed++
	case skipStaleQuote:
		st.staleQuote++
	case skipMarketClosed:
		st.marketClosed++
	case skipTooSmall:
		st.tooSmall++
	case skipInsufficientCapital:
		st.insufficientCapital++
	case skipVenueRejected:
		st.venueRejected++
	case skipStoreError:
		st.storeError++
	}
}

func (st *pipelineStats) log(strategyID string, signals, placed int) {
	slog.Info("executor: pipeline summary",
		"strategy", strategyID,
		"signals", signals,
		"placed", placed,
		"skip_duplicate", st.duplicate,
		"skip_risk", st.riskDenied,
		"skip_resolve", st.resolveFailed,
		"skip_stale", st.staleQuote,
		"skip_closed", st.marketClosed,
		"skip_small", st.tooSmall,
		"skip_capital", st.insufficientCapital,
		"skip_venue", st.venueRejected,
		"skip_store", st.storeError,
	)
}
