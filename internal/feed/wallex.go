package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amirphl/margin-trader/internal/utils"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexFeed polls the Wallex market trades endpoint and emits the latest
// trade per symbol as a tick. It is a secondary, lower-frequency upstream
// feed next to the websocket one.
type WallexFeed struct {
	client   *wallex.Client
	symbols  []string
	interval time.Duration
	out      chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool

	// Last emitted trade timestamp per symbol, to avoid re-emitting the same
	// trade on every poll.
	lastSeen map[string]time.Time
}

func NewWallexFeed(apiKey string, symbols []string, interval time.Duration) *WallexFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &WallexFeed{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		symbols:  symbols,
		interval: interval,
		out:      make(chan Event, 256),
		lastSeen: make(map[string]time.Time),
	}
}

func (w *WallexFeed) Name() string { return "wallex" }

func (w *WallexFeed) Events() <-chan Event { return w.out }

// retry wraps a function with retry logic for transient errors, using exponential backoff and error logging.
func retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("WallexFeed | Retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, err, backoff)
		time.Sleep(backoff)
		if backoff < time.Minute {
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}
	return errors.New("all retry attempts failed")
}

func (w *WallexFeed) Start(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return fmt.Errorf("no symbols configured for wallex feed")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *WallexFeed) run(ctx context.Context) {
	defer close(w.out)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range w.symbols {
				w.pollSymbol(ctx, symbol)
			}
		}
	}
}

func (w *WallexFeed) pollSymbol(ctx context.Context, symbol string) {
	var trades []*wallex.MarketTrade
	err := retry(3, time.Second, func() error {
		var err error
		trades, err = w.client.MarketTrades(symbol)
		if err != nil {
			return fmt.Errorf("fetching latest trades: %w", err)
		}
		return nil
	})
	if err != nil {
		utils.GetLogger().Printf("WallexFeed | Poll failed for %s: %v", symbol, err)
		return
	}
	if len(trades) == 0 {
		return
	}

	trade := trades[0]
	ts := trade.Timestamp.UTC()
	if !ts.After(w.lastSeen[symbol]) {
		return
	}
	w.lastSeen[symbol] = ts

	price, err := strconv.ParseFloat(string(trade.Price), 64)
	if err != nil || price <= 0 {
		return
	}

	ev := Event{Timestamp: ts, Symbol: symbol, Price: price}
	select {
	case w.out <- ev:
	case <-ctx.Done():
	}
}

func (w *WallexFeed) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
}
