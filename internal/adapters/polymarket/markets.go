package polymarket

// markets.go — metadata de mercados con cache de TTL corto.
//
// El executor consulta el mismo mercado varias veces por ciclo (resolución de
// token, staleness del precio); el cache evita quemar rate limit repitiendo
// el mismo GET. El TTL es corto a propósito: un precio viejo no debe servir
// de referencia para el limit price.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

const (
	marketPath       = "/markets/"
	defaultMarketTTL = 10 * time.Second
)

// MarketCache implementa ports.MarketProvider sobre el CLOB.
type MarketCache struct {
	client *Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedMarket
	now   func() time.Time
}

type cachedMarket struct {
	market clobMarket
	at     time.Time
}

// NewMarketCache crea un MarketCache. ttl <= 0 usa el default.
func NewMarketCache(client *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]cachedMarket),
		now:    time.Now,
	}
}

// GetMarket devuelve el snapshot del mercado. FetchedAt refleja cuándo se
// leyó realmente del CLOB, no cuándo se sirvió del cache — el caller decide
// con eso si el precio le vale como referencia.
func (mc *MarketCache) GetMarket(ctx context.Context, marketID string) (domain.MarketInfo, error) {
	now := mc.now().UTC()

	mc.mu.Lock()
	if c, ok := mc.cache[marketID]; ok && now.Sub(c.at) < mc.ttl {
		mc.mu.Unlock()
		return mapMarket(c.market, c.at), nil
	}
	mc.mu.Unlock()

	var raw clobMarket
	url := mc.client.clobBase + marketPath + marketID
	if err := mc.client.get(ctx, mc.client.marketsLimiter, url, &raw); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket.GetMarket %s: %w", marketID, err)
	}

	mc.mu.Lock()
	mc.cache[marketID] = cachedMarket{market: raw, at: now}
	mc.mu.Unlock()

	return mapMarket(raw, now), nil
}
