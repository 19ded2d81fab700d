package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceTTL bounds staleness of cached ticker prices. Closure classification
// tolerates a few seconds of drift; anything longer risks misclassifying
// an exit.
const PriceTTL = 5 * time.Second

// PriceCache fronts LastPrice lookups with Redis so concurrent loops share
// one ticker fetch per symbol per TTL window. When Redis is unavailable it
// degrades to an in-process cache rather than failing reads.
type PriceCache struct {
	rdb *redis.Client // nil = in-process only
	ttl time.Duration

	mu    sync.Mutex
	local map[string]localPrice
}

type localPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// NewPriceCache creates a price cache. rdb may be nil.
func NewPriceCache(rdb *redis.Client) *PriceCache {
	return &PriceCache{
		rdb:   rdb,
		ttl:   PriceTTL,
		local: make(map[string]localPrice),
	}
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }

// LastPrice returns the cached price for a venue symbol, fetching through
// the given client on a miss.
func (c *PriceCache) LastPrice(ctx context.Context, client Client, symbol string) (decimal.Decimal, error) {
	// Try redis.
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, priceKey(symbol)).Result(); err == nil {
			if p, err := decimal.NewFromString(raw); err == nil {
				return p, nil
			}
		}
	}

	// Try local.
	c.mu.Lock()
	if lp, ok := c.local[symbol]; ok && time.Since(lp.fetched) < c.ttl {
		c.mu.Unlock()
		return lp.price, nil
	}
	c.mu.Unlock()

	// Cache miss: fetch from the venue.
	price, err := client.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.local[symbol] = localPrice{price: price, fetched: time.Now()}
	c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Set(ctx, priceKey(symbol), price.String(), c.ttl)
	}
	return price, nil
}
