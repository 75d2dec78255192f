package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
	"github.com/hiiliketocode/polycopy/internal/ports"
)

const (
	// epsilon absorbs float64 rounding: a lock for exactly the available
	// cash succeeds, one cent over fails.
	epsilon = 1e-9

	// casRetries bounds reload-and-retry when another process bumped the
	// strategy version between our read and write.
	casRetries = 3
)

// Ledger owns every mutation of a strategy's capital fields. All writes for
// one strategy are serialized behind a per-strategy mutex plus a version
// check in the store, so two concurrent runs can never double-lock cash.
type Ledger struct {
	store ports.StrategyStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Ledger backed by the given store.
func New(store ports.StrategyStore) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) strategyLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// mutate loads the strategy, applies fn, and persists the result, retrying on
// a stale version. fn returning an error aborts with no side effects.
func (l *Ledger) mutate(ctx context.Context, strategyID string, fn func(s *domain.Strategy) error) (domain.Strategy, error) {
	m := l.strategyLock(strategyID)
	m.Lock()
	defer m.Unlock()

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		s, err := l.store.GetStrategy(ctx, strategyID)
		if err != nil {
			return domain.Strategy{}, fmt.Errorf("ledger: get strategy %s: %w", strategyID, err)
		}
		if err := fn(&s); err != nil {
			return domain.Strategy{}, err
		}
		if err := l.store.UpdateStrategy(ctx, s); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				lastErr = err
				continue
			}
			return domain.Strategy{}, fmt.Errorf("ledger: update strategy %s: %w", strategyID, err)
		}
		return s, nil
	}
	return domain.Strategy{}, fmt.Errorf("ledger: strategy %s: %w", strategyID, lastErr)
}

// Lock reserves amount from available cash for an in-flight order.
//
// Two independent checks, both required:
//   - amount ≤ available_cash, else ErrInsufficientCash
//   - locked_capital + amount ≤ initial_capital + realized_pnl, else
//     ErrCapacityExceeded. This hard cap survives ledger drift: a burst of
//     locks that never resolve can zero out available_cash, but it can never
//     push locked_capital past capital that actually exists.
func (l *Ledger) Lock(ctx context.Context, strategyID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: lock amount must be positive, got %.6f", amount)
	}
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		if amount > s.AvailableCash+epsilon {
			return fmt.Errorf("ledger: lock %.2f for %s: %w (available %.2f)",
				amount, strategyID, domain.ErrInsufficientCash, s.AvailableCash)
		}
		if s.LockedCapital+amount > s.Capacity()+epsilon {
			return fmt.Errorf("ledger: lock %.2f for %s: %w (locked %.2f, cap %.2f)",
				amount, strategyID, domain.ErrCapacityExceeded, s.LockedCapital, s.Capacity())
		}
		s.AvailableCash -= amount
		s.LockedCapital += amount
		return nil
	})
	if err != nil {
		return err
	}
	l.audit(ctx, s, domain.LedgerEventLock, amount, "order lock")
	return nil
}

// Unlock moves amount from locked capital back to available cash.
func (l *Ledger) Unlock(ctx context.Context, strategyID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		if amount > s.LockedCapital {
			amount = s.LockedCapital
		}
		s.LockedCapital -= amount
		s.AvailableCash += amount
		return nil
	})
	if err != nil {
		return err
	}
	l.audit(ctx, s, domain.LedgerEventUnlock, amount, "unlock to cash")
	return nil
}

// UnlockToCooldown moves amount from locked capital into the cooldown
// reserve, parked until the strategy's cooldown elapses. Dampens immediate
// re-entry into the conditions that just cancelled or expired an order.
// With no cooldown configured the amount goes straight to available cash.
func (l *Ledger) UnlockToCooldown(ctx context.Context, strategyID, marketID string, amount float64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	var hold *domain.CooldownHold
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		if amount > s.LockedCapital {
			amount = s.LockedCapital
		}
		s.LockedCapital -= amount
		if s.Risk.Cooldown <= 0 {
			s.AvailableCash += amount
			hold = nil
			return nil
		}
		s.CooldownReserve += amount
		hold = &domain.CooldownHold{
			StrategyID: strategyID,
			MarketID:   marketID,
			Amount:     amount,
			CreatedAt:  now,
			ReleaseAt:  now.Add(s.Risk.Cooldown),
		}
		return nil
	})
	if err != nil {
		return err
	}
	if hold != nil {
		if err := l.store.SaveCooldownHold(ctx, *hold); err != nil {
			slog.Warn("ledger: error saving cooldown hold", "strategy", strategyID, "err", err)
		}
	}
	l.audit(ctx, s, domain.LedgerEventCooldown, amount, "unlock to cooldown "+marketID)
	return nil
}

// ConsumeFill converts a filled order's reservation into position capital.
// The locked amount leaves locked_capital entirely: the spent cost is now in
// the position (it comes back, plus or minus PnL, at settlement) and any
// reserved-but-unused excess returns to available cash.
func (l *Ledger) ConsumeFill(ctx context.Context, strategyID string, lockedAmount, cost float64) error {
	if lockedAmount <= 0 {
		return nil
	}
	excess := lockedAmount - cost
	if excess < 0 {
		excess = 0
	}
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		release := lockedAmount
		if release > s.LockedCapital {
			release = s.LockedCapital
		}
		s.LockedCapital -= release
		s.AvailableCash += excess
		return nil
	})
	if err != nil {
		return err
	}
	l.audit(ctx, s, domain.LedgerEventUnlock, lockedAmount,
		fmt.Sprintf("fill consumed %.2f, excess %.2f", cost, excess))
	return nil
}

// Settle credits the payout of a resolved position and records realized PnL.
// payout is cost ± PnL, so a total loss settles with payout 0. Daily-loss and
// peak-equity tracking feed the risk manager's breaker checks.
func (l *Ledger) Settle(ctx context.Context, strategyID string, payout, pnl float64, now time.Time) (domain.Strategy, error) {
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		s.AvailableCash += payout
		s.RealizedPnL += pnl
		if pnl < 0 {
			if !sameDay(s.DailyLossDate, now) {
				s.DailyLoss = 0
			}
			s.DailyLoss += -pnl
			s.DailyLossDate = now.UTC()
		}
		if eq := s.Equity(); eq > s.PeakEquity {
			s.PeakEquity = eq
		}
		return nil
	})
	if err != nil {
		return domain.Strategy{}, err
	}
	l.audit(ctx, s, domain.LedgerEventSettle, pnl, fmt.Sprintf("payout %.2f", payout))
	return s, nil
}

// Reconcile overwrites locked_capital with the authoritative figure computed
// from the strategy's currently-open orders, capped at capacity. Freed
// surplus moves to available cash. Idempotent, and safe to run while locks
// are in flight: open orders are the ground truth, last writer wins.
func (l *Ledger) Reconcile(ctx context.Context, strategyID string, openOrderTotal float64) (drift float64, err error) {
	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		target := openOrderTotal
		if c := s.Capacity(); target > c {
			target = c
		}
		if target < 0 {
			target = 0
		}
		drift = s.LockedCapital - target
		if drift > -epsilon && drift < epsilon {
			drift = 0
			return nil
		}
		s.LockedCapital = target
		if drift > 0 {
			s.AvailableCash += drift
		} else {
			// Locked was under-counted; take the difference back from cash.
			take := -drift
			if take > s.AvailableCash {
				take = s.AvailableCash
			}
			s.AvailableCash -= take
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if drift != 0 {
		slog.Warn("ledger: reconciliation drift corrected",
			"strategy", strategyID,
			"drift", fmt.Sprintf("$%.2f", drift),
			"locked_now", fmt.Sprintf("$%.2f", s.LockedCapital),
		)
		l.audit(ctx, s, domain.LedgerEventReconcile, drift,
			fmt.Sprintf("open order total %.2f", openOrderTotal))
	}
	return drift, nil
}

// ReleaseMatured migrates cooldown holds whose window elapsed back to
// available cash. Returns the total released.
func (l *Ledger) ReleaseMatured(ctx context.Context, strategyID string, now time.Time) (float64, error) {
	holds, err := l.store.GetActiveCooldownHolds(ctx, strategyID)
	if err != nil {
		return 0, fmt.Errorf("ledger: get cooldown holds: %w", err)
	}

	var total float64
	var ids []int64
	for _, h := range holds {
		if now.Before(h.ReleaseAt) {
			continue
		}
		total += h.Amount
		ids = append(ids, h.ID)
	}
	if total == 0 {
		return 0, nil
	}

	s, err := l.mutate(ctx, strategyID, func(s *domain.Strategy) error {
		if total > s.CooldownReserve {
			total = s.CooldownReserve
		}
		s.CooldownReserve -= total
		s.AvailableCash += total
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := l.store.ReleaseCooldownHolds(ctx, ids); err != nil {
		slog.Warn("ledger: error releasing cooldown holds", "strategy", strategyID, "err", err)
	}
	l.audit(ctx, s, domain.LedgerEventMature, total, fmt.Sprintf("%d holds matured", len(ids)))
	return total, nil
}

func (l *Ledger) audit(ctx context.Context, s domain.Strategy, kind domain.LedgerEventKind, amount float64, detail string) {
	ev := domain.LedgerEvent{
		StrategyID:     s.ID,
		Kind:           kind,
		Amount:         amount,
		AvailableAfter: s.AvailableCash,
		LockedAfter:    s.LockedCapital,
		CooldownAfter:  s.CooldownReserve,
		Detail:         detail,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.SaveLedgerEvent(ctx, ev); err != nil {
		slog.Warn("ledger: error saving audit event", "strategy", s.ID, "kind", kind, "err", err)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
