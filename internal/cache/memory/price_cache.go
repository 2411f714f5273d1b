package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// PriceCache implements domain.PriceCache with a map.
type PriceCache struct {
	mu    sync.RWMutex
	ticks map[string]domain.Tick
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{ticks: make(map[string]domain.Tick)}
}

func (c *PriceCache) SetTick(_ context.Context, tick domain.Tick) error {
	sym := domain.NormalizeSymbol(tick.Symbol)
	if sym == "" {
		return fmt.Errorf("memory: set tick: empty symbol")
	}
	tick.Symbol = sym
	c.mu.Lock()
	c.ticks[sym] = tick
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetTick(_ context.Context, symbol string) (domain.Tick, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.Tick{}, fmt.Errorf("memory: tick %s: %w", symbol, domain.ErrNotFound)
	}
	return t, nil
}

// GetTicks omits symbols with no cached tick.
func (c *PriceCache) GetTicks(_ context.Context, symbols []string) (map[string]domain.Tick, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Tick, len(symbols))
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		if t, ok := c.ticks[s]; ok {
			out[s] = t
		}
	}
	return out, nil
}
