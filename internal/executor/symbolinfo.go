package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/ports"
)

const symbolInfoTTL = 24 * time.Hour

// SymbolInfoCache loads the venue's exchange info once and serves
// per-symbol step/tick sizes from memory, refreshing after the TTL.
// Exchange info is public data, so one cache is shared across users.
type SymbolInfoCache struct {
	venue ports.VenueClient
	clock ports.Clock

	mu        sync.Mutex
	info      map[string]ports.SymbolInfo
	fetchedAt time.Time
}

func NewSymbolInfoCache(venue ports.VenueClient, clock ports.Clock) *SymbolInfoCache {
	return &SymbolInfoCache{venue: venue, clock: clock}
}

// Get returns the symbol's filters, fetching or refreshing the full
// exchange-info snapshot when the cache is cold or stale.
func (c *SymbolInfoCache) Get(ctx context.Context, symbol string) (ports.SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.info == nil || c.clock.Now().Sub(c.fetchedAt) > symbolInfoTTL {
		info, err := c.venue.GetExchangeInfo(ctx)
		if err != nil {
			// Serve stale data over failing if we have any.
			if c.info == nil {
				return ports.SymbolInfo{}, err
			}
		} else {
			c.info = info
			c.fetchedAt = c.clock.Now()
		}
	}

	si, ok := c.info[symbol]
	if !ok {
		return ports.SymbolInfo{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return si, nil
}
