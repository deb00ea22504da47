// Package tick
package tick

import (
	"context"
	"time"
)

// Tick is one price observation in its durable form: the price has already
// been normalized to the asset's scale.
type Tick struct {
	Timestamp time.Time
	Symbol    string
	PriceInt  int64
}

// Store is the append-only tick log. SaveTicks must suppress duplicates on
// (timestamp, symbol, price); submitting the same tick twice yields one row.
// The log is best-effort: callers drop batches on failure rather than retry.
type Store interface {
	SaveTicks(ctx context.Context, ticks []Tick) error
	GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]Tick, error)
}
