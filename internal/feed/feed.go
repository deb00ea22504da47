// Package feed
package feed

import (
	"context"
	"time"
)

// Event is one raw price observation from an upstream feed. Price is still a
// float here; the ingest path converts it to a scaled integer exactly once.
type Event struct {
	Timestamp time.Time
	Symbol    string
	Price     float64
}

// Feed is one upstream tick source. Events delivers ticks in arrival order
// until the feed is closed; ingest treats delivery order as authoritative.
type Feed interface {
	Name() string
	Start(ctx context.Context) error
	Events() <-chan Event
	Close()
}
