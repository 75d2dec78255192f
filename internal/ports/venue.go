package ports

import (
	"context"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// OrderGateway places, cancels, and monitors real orders on the venue.
type OrderGateway interface {
	// PlaceOrder signs and submits a limit order. The policy decides whether
	// the remainder rests on the book (REST) or is killed (IOC).
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error)

	// GetOrderStatus returns the venue's current view of the order. An order
	// the venue no longer knows reports VenueStateNotFound, not an error.
	GetOrderStatus(ctx context.Context, venueOrderID string) (domain.VenueOrderStatus, error)

	// CancelOrder cancels a resting order by its venue id.
	CancelOrder(ctx context.Context, venueOrderID string) error
}

// MarketProvider obtiene metadata y precios de mercados con un límite de
// staleness explícito: nunca ejecutar contra datos más viejos que el bound.
type MarketProvider interface {
	// GetMarket devuelve el snapshot del mercado (tokens, precios, estado de
	// resolución). FetchedAt permite al caller verificar staleness.
	GetMarket(ctx context.Context, marketID string) (domain.MarketInfo, error)
}
