// Package pricecache
package pricecache

import (
	"sync"
	"time"
)

// Entry is the most recent observed price for one symbol, in the asset's
// price scale, together with its ingestion time.
type Entry struct {
	PriceInt   int64
	Timestamp  time.Time
	ReceivedAt time.Time
}

// Cache holds the latest tradable price per symbol. Single writer (the tick
// ingest path), many readers. Last writer wins per key by delivery order;
// ticks are never reordered by their exchange timestamp.
type Cache struct {
	mu     sync.RWMutex
	latest map[string]Entry
}

func New() *Cache {
	return &Cache{latest: make(map[string]Entry)}
}

// Update unconditionally overwrites the entry for symbol.
func (c *Cache) Update(symbol string, priceInt int64, ts time.Time) {
	c.mu.Lock()
	c.latest[symbol] = Entry{PriceInt: priceInt, Timestamp: ts, ReceivedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the latest entry for symbol, if any.
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.latest[symbol]
	return e, ok
}

// Fresh returns the latest price for symbol only if it was ingested within
// maxAge of now. Absence and staleness are indistinguishable to callers; the
// remedy (reject the trade) is the same for both.
func (c *Cache) Fresh(symbol string, maxAge time.Duration, now time.Time) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.latest[symbol]
	if !ok || now.Sub(e.ReceivedAt) > maxAge {
		return 0, false
	}
	return e.PriceInt, true
}

// Symbols returns the symbols currently cached, for stats reporting.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.latest))
	for s := range c.latest {
		out = append(out, s)
	}
	return out
}
