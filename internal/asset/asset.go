// Package asset
package asset

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Default scales applied when a symbol is first seen on the feed without a
// registered asset. Price scale 4 means prices are stored as 1/10000 units.
const (
	DefaultPriceScale = 4
	DefaultQtyScale   = 0
)

// Asset describes one tradable instrument. Scales are immutable once a
// position references the asset.
type Asset struct {
	Symbol     string
	Name       string
	PriceScale int
	QtyScale   int
	ImageURL   string
}

// Store is the durable asset table.
type Store interface {
	GetAsset(ctx context.Context, symbol string) (*Asset, error)
	SaveAsset(ctx context.Context, a Asset) error
}

// Registry resolves asset scales with a process-lifetime cache in front of
// the store. Unseen symbols are auto-registered with default scales, so a
// tick for a brand-new symbol is never dropped.
type Registry struct {
	store Store

	mu    sync.RWMutex
	cache map[string]Asset
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, cache: make(map[string]Asset)}
}

// Resolve returns the asset for symbol, hitting the store at most once per
// symbol per process.
func (r *Registry) Resolve(ctx context.Context, symbol string) (Asset, error) {
	symbol = Normalize(symbol)

	r.mu.RLock()
	a, ok := r.cache[symbol]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	stored, err := r.store.GetAsset(ctx, symbol)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to resolve asset %s: %w", symbol, err)
	}

	if stored != nil {
		a = *stored
	} else {
		a = Asset{
			Symbol:     symbol,
			Name:       symbol,
			PriceScale: DefaultPriceScale,
			QtyScale:   DefaultQtyScale,
		}
		if err := r.store.SaveAsset(ctx, a); err != nil {
			return Asset{}, fmt.Errorf("failed to auto-register asset %s: %w", symbol, err)
		}
	}

	r.mu.Lock()
	r.cache[symbol] = a
	r.mu.Unlock()
	return a, nil
}

// Normalize converts e.g. btc-usdt to BTCUSDT.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}
