package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"copy-signal-router/internal/config"
)

// Tick is the latest LP quote for one symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// PriceCache stores ticks keyed by upper-cased symbol with a fixed TTL.
type PriceCache struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func NewPriceCache(store Store, prefix string, ttl time.Duration) *PriceCache {
	return &PriceCache{store: store, prefix: prefix, ttl: ttl}
}

// NewStore builds the backend selected by cache.backend.
func NewStore(cacheCfg *config.Cache, redisCfg *config.Redis) (Store, error) {
	switch strings.ToLower(cacheCfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(redisCfg), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cacheCfg.Backend)
	}
}

func (c *PriceCache) key(symbol string) string {
	return c.prefix + strings.ToUpper(symbol)
}

// Put records a tick. Ticks with neither side set are ignored.
func (c *PriceCache) Put(ctx context.Context, tick Tick) error {
	if tick.Bid <= 0 && tick.Ask <= 0 {
		return nil
	}
	tick.Symbol = strings.ToUpper(tick.Symbol)
	b, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.key(tick.Symbol), b, c.ttl); err != nil {
		return fmt.Errorf("failed to cache tick for %s: %w", tick.Symbol, err)
	}
	return nil
}

// Get returns the cached tick, or found=false when absent or expired.
func (c *PriceCache) Get(ctx context.Context, symbol string) (Tick, bool, error) {
	b, found, err := c.store.Get(ctx, c.key(symbol))
	if err != nil || !found {
		return Tick{}, false, err
	}
	var tick Tick
	if err := json.Unmarshal(b, &tick); err != nil {
		return Tick{}, false, fmt.Errorf("corrupt tick for %s: %w", symbol, err)
	}
	return tick, true, nil
}
