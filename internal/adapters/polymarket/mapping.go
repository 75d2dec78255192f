package polymarket

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// mapMarket convierte el DTO del CLOB a domain.MarketInfo.
// El outcome ganador solo se conoce cuando el mercado está cerrado.
func mapMarket(r clobMarket, fetchedAt time.Time) domain.MarketInfo {
	m := domain.MarketInfo{
		MarketID:  r.ConditionID,
		Question:  r.Question,
		Closed:    r.Closed,
		FetchedAt: fetchedAt,
	}

	for i, t := range r.Tokens {
		if i >= 2 {
			break
		}
		m.Tokens[i] = domain.OutcomeToken{
			TokenID: t.TokenID,
			Outcome: t.Outcome,
			Price:   t.Price,
		}
		if r.Closed && t.Winner {
			m.ResolvedOutcome = t.Outcome
		}
	}

	return m
}

// mapOrderStatus convierte el estado de una orden del CLOB al estado de dominio.
func mapOrderStatus(o clobOrder) domain.VenueOrderStatus {
	vs := domain.VenueOrderStatus{
		VenueOrderID: o.ID,
		FilledSize:   parseFloat(o.SizeMatched),
		AvgFillPrice: parseFloat(o.Price),
	}

	upper := strings.ToUpper(o.Status)
	switch {
	case strings.Contains(upper, "MATCHED"):
		vs.State = domain.VenueStateMatched
	case strings.Contains(upper, "CANCEL") || strings.Contains(upper, "INVALID"):
		vs.State = domain.VenueStateCancelled
	default:
		vs.State = domain.VenueStateLive
	}

	// Una orden LIVE sin remanente ya está completa aunque el CLOB tarde en
	// marcarla MATCHED.
	if vs.State == domain.VenueStateLive {
		original := parseFloat(o.OriginalSize)
		if original > 0 && vs.FilledSize >= original {
			vs.State = domain.VenueStateMatched
		}
	}

	return vs
}

// parseUSDC convierte un string en micro-USDC (p.ej. "1000000") a float USDC.
func parseUSDC(s string) float64 {
	if s == "" {
		return 0
	}
	n := new(big.Int)
	n.SetString(s, 10)
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / 1_000_000
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
