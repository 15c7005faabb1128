package trader

import (
	"context"
	"errors"
	"fmt"

	"copy-signal-router/internal/cache"
	"copy-signal-router/internal/models"
)

var ErrNoPrice = errors.New("no price available")

// PriceSource returns the latest LP tick for a symbol.
type PriceSource interface {
	Get(ctx context.Context, symbol string) (cache.Tick, bool, error)
}

// openPrice is the signal price, else the cached ask for BUY and bid for SELL.
func openPrice(ctx context.Context, prices PriceSource, symbol, side string, signalPrice float64) (float64, error) {
	if signalPrice > 0 {
		return signalPrice, nil
	}
	return tickPrice(ctx, prices, symbol, side == models.SideBuy)
}

// closePrice is the signal price, else the cached bid to close BUY and ask to close SELL.
func closePrice(ctx context.Context, prices PriceSource, symbol, side string, signalPrice float64) (float64, error) {
	if signalPrice > 0 {
		return signalPrice, nil
	}
	return tickPrice(ctx, prices, symbol, side == models.SideSell)
}

func tickPrice(ctx context.Context, prices PriceSource, symbol string, useAsk bool) (float64, error) {
	if prices == nil {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	tick, found, err := prices.Get(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price lookup for %s: %w", symbol, err)
	}
	p := tick.Bid
	if useAsk {
		p = tick.Ask
	}
	if !found || p <= 0 {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}
