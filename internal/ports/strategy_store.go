package ports

import (
	"context"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// StrategyStore persists strategies and their ledger state.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, s domain.Strategy) error
	GetStrategy(ctx context.Context, id string) (domain.Strategy, error)
	GetStrategies(ctx context.Context, activeOnly bool) ([]domain.Strategy, error)

	// UpdateStrategy writes the full strategy row, including ledger fields.
	// The write is rejected with domain.ErrStaleWrite unless s.Version still
	// matches the stored row; on success the version is bumped. This is the
	// single-writer discipline for the ledger.
	UpdateStrategy(ctx context.Context, s domain.Strategy) error

	// ArchiveStrategy deactivates a strategy. Rows are never hard-deleted.
	ArchiveStrategy(ctx context.Context, id string, at time.Time) error

	// Ledger audit trail
	SaveLedgerEvent(ctx context.Context, ev domain.LedgerEvent) error
	GetLedgerEvents(ctx context.Context, strategyID string, limit int) ([]domain.LedgerEvent, error)

	// Cooldown holds
	SaveCooldownHold(ctx context.Context, h domain.CooldownHold) error
	GetActiveCooldownHolds(ctx context.Context, strategyID string) ([]domain.CooldownHold, error)
	ReleaseCooldownHolds(ctx context.Context, ids []int64) error

	// Daily summaries
	SaveDailySummary(ctx context.Context, d domain.DailySummary) error
	GetDailySummaries(ctx context.Context, strategyID string) ([]domain.DailySummary, error)
}
