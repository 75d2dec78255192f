package domain

import "errors"

// Ledger denial reasons. The executor skips the signal and tries again on a
// later cycle; neither is fatal for the batch.
var (
	// ErrInsufficientCash: the lock exceeds available_cash.
	ErrInsufficientCash = errors.New("insufficient available cash")
	// ErrCapacityExceeded: the lock would push locked_capital past
	// initial_capital + realized_pnl. Independent of the cash check so a
	// drifted ledger can never over-commit real capital.
	ErrCapacityExceeded = errors.New("locked capital cap exceeded")
	// ErrStaleWrite: another writer bumped the strategy version first.
	ErrStaleWrite = errors.New("stale ledger write")
	// ErrStrategyNotFound is returned by stores for unknown strategy ids.
	ErrStrategyNotFound = errors.New("strategy not found")
)
