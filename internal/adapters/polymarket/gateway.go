package polymarket

// gateway.go — Real order execution via Polymarket CLOB API.
//
// Implements ports.OrderGateway using AuthClient for L1/L2 auth. The taking
// policy maps to CLOB order types: IOC submits FAK (fill-and-kill) so any
// remainder dies immediately; REST submits GTC and lets the remainder rest.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// OrderGateway implements ports.OrderGateway.
type OrderGateway struct {
	auth *AuthClient
}

// NewOrderGateway creates an OrderGateway over an authenticated client.
func NewOrderGateway(auth *AuthClient) *OrderGateway {
	return &OrderGateway{auth: auth}
}

// PlaceOrder signs and submits a limit order to the CLOB.
func (g *OrderGateway) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	if err := g.auth.EnsureCreds(ctx); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: creds: %w", err)
	}

	negRisk, err := g.isNegRisk(ctx, req.TokenID)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: %w", err)
	}

	signed, err := g.auth.buildSignedOrder(req.TokenID, req.Side, req.LimitPrice, req.Size, negRisk)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          req.Side,
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     g.auth.creds.APIKey,
		OrderType: orderType(req.Policy),
	}

	var resp clobOrderResponse
	if err := g.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: post: %w", err)
	}

	if !resp.Success || resp.ErrorMsg != "" {
		return domain.PlacedOrder{}, fmt.Errorf("place order: clob error: %s", resp.ErrorMsg)
	}

	// The matched-shares figure lives on the taker side for a buy and the
	// maker side for a sell.
	taken := parseUSDC(resp.TakingAmount)
	if req.Side == "SELL" {
		taken = parseUSDC(resp.MakingAmount)
	}

	return domain.PlacedOrder{
		VenueOrderID: resp.OrderID,
		Status:       resp.Status,
		TakenSize:    taken,
		AvgPrice:     avgPrice(resp.MakingAmount, resp.TakingAmount, req.Side, req.LimitPrice),
	}, nil
}

// GetOrderStatus fetches the venue's current view of an order. An order the
// CLOB no longer knows maps to NOT_FOUND instead of an error: for the
// reconciler a disappeared order is a state, not a failure.
func (g *OrderGateway) GetOrderStatus(ctx context.Context, venueOrderID string) (domain.VenueOrderStatus, error) {
	if err := g.auth.EnsureCreds(ctx); err != nil {
		return domain.VenueOrderStatus{}, fmt.Errorf("order status: creds: %w", err)
	}

	var resp clobOrder
	path := "/data/order/" + venueOrderID
	if err := g.auth.doL2(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if isNotFound(err) {
			return domain.VenueOrderStatus{
				VenueOrderID: venueOrderID,
				State:        domain.VenueStateNotFound,
			}, nil
		}
		return domain.VenueOrderStatus{}, fmt.Errorf("order status %s: %w", venueOrderID, err)
	}

	vs := mapOrderStatus(resp)
	if vs.VenueOrderID == "" {
		vs.VenueOrderID = venueOrderID
	}
	return vs, nil
}

// CancelOrder cancels a single order by its CLOB order ID. Cancelling an
// already-gone order is not an error.
func (g *OrderGateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	if err := g.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("cancel order: creds: %w", err)
	}

	path := "/order/" + venueOrderID
	if err := g.auth.doL2(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", venueOrderID, err)
	}
	return nil
}

// isNegRisk queries the CLOB to determine if a token uses the NegRisk
// adapter; the signed order must target the matching exchange contract.
func (g *OrderGateway) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	url := fmt.Sprintf("%s/neg-risk?token_id=%s", g.auth.clobBase, tokenID)

	var resp clobNegRiskResponse
	if err := g.auth.get(ctx, g.auth.clobLimiter, url, &resp); err != nil {
		return false, fmt.Errorf("neg-risk check: %w", err)
	}
	return resp.NegRisk, nil
}

func orderType(p domain.OrderPolicy) string {
	if p == domain.PolicyRest {
		return "GTC"
	}
	return "FAK"
}

// avgPrice derives the average execution price from the immediate-match
// amounts. Falls back to the limit when nothing matched yet.
func avgPrice(making, taking, side string, limit float64) float64 {
	made := parseUSDC(making)
	taken := parseUSDC(taking)
	if taken <= 0 {
		return limit
	}
	// For a buy we made USDC and took shares; for a sell the reverse.
	if side == "SELL" {
		if made <= 0 {
			return limit
		}
		return taken / made
	}
	return made / taken
}
