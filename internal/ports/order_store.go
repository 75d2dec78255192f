package ports

import (
	"context"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// OrderStore persists one row per submission attempt, kept forever for audit.
type OrderStore interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	UpdateOrderStatus(ctx context.Context, localID string, status domain.OrderStatus, at time.Time) error
	UpdateOrderFill(ctx context.Context, localID string, filledSize, filledPrice, slippage float64, status domain.OrderStatus, at time.Time) error
	MarkOrderSettled(ctx context.Context, localID string, status domain.OrderStatus, resolution string, pnl float64, at time.Time) error

	// GetOpenOrders returns PENDING/PARTIAL orders oldest-first, capped at
	// limit so one reconciler run stays bounded. limit <= 0 means all.
	GetOpenOrders(ctx context.Context, limit int) ([]domain.Order, error)
	GetOpenOrdersByStrategy(ctx context.Context, strategyID string) ([]domain.Order, error)
	GetOrdersByStrategy(ctx context.Context, strategyID string, limit int) ([]domain.Order, error)

	// HasOrderForSignal reports whether the strategy already produced an
	// order (any status) for the given source signal id.
	HasOrderForSignal(ctx context.Context, strategyID, signalID string) (bool, error)

	// GetUnsettledFilledOrders returns FILLED orders awaiting resolution,
	// optionally restricted to one market.
	GetUnsettledFilledOrders(ctx context.Context, marketID string) ([]domain.Order, error)
	// GetUnsettledMarkets returns distinct market ids with FILLED orders.
	GetUnsettledMarkets(ctx context.Context) ([]string, error)
}
