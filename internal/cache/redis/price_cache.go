package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache keeps the latest tick per symbol in a hash at "tick:{symbol}"
// with fields "price", "ts" (unix nanoseconds) and "data" (the tick as JSON).
type PriceCache struct {
	rdb *redis.Client
}

func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickKey(symbol string) string {
	return "tick:" + domain.NormalizeSymbol(symbol)
}

// SetTick overwrites the cached tick for tick.Symbol.
func (pc *PriceCache) SetTick(ctx context.Context, tick domain.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: encode tick %s: %w", tick.Symbol, err)
	}
	fields := map[string]any{
		"price": strconv.FormatFloat(tick.LastPrice, 'f', -1, 64),
		"ts":    strconv.FormatInt(tick.Timestamp.UnixNano(), 10),
		"data":  data,
	}
	if err := pc.rdb.HSet(ctx, tickKey(tick.Symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.Symbol, err)
	}
	return nil
}

// GetTick returns domain.ErrNotFound when nothing is cached for symbol.
func (pc *PriceCache) GetTick(ctx context.Context, symbol string) (domain.Tick, error) {
	data, err := pc.rdb.HGet(ctx, tickKey(symbol), "data").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Tick{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", symbol, err)
	}
	var t domain.Tick
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return domain.Tick{}, fmt.Errorf("redis: decode tick %s: %w", symbol, err)
	}
	return t, nil
}

// GetTicks fetches several symbols in one pipeline. Missing or unreadable
// entries are left out of the result.
func (pc *PriceCache) GetTicks(ctx context.Context, symbols []string) (map[string]domain.Tick, error) {
	if len(symbols) == 0 {
		return map[string]domain.Tick{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(symbols))
	for _, s := range symbols {
		cmds[domain.NormalizeSymbol(s)] = pipe.HGet(ctx, tickKey(s), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get ticks pipeline: %w", err)
	}

	result := make(map[string]domain.Tick, len(cmds))
	for sym, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		var t domain.Tick
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		result[sym] = t
	}
	return result, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
