package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultBinanceWSURL = "wss://stream.binance.com:9443"

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// BinanceFeed streams bookTicker updates for a set of symbols over one
// combined websocket stream and emits mid prices. It reconnects with
// exponential backoff and keeps delivering in arrival order.
type BinanceFeed struct {
	baseURL string
	symbols []string
	out     chan Event

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnectionState
	healthErr error
	closed    bool
	cancel    context.CancelFunc
}

func NewBinanceFeed(baseURL string, symbols []string) *BinanceFeed {
	if baseURL == "" {
		baseURL = DefaultBinanceWSURL
	}
	return &BinanceFeed{
		baseURL: baseURL,
		symbols: symbols,
		out:     make(chan Event, 1024),
		state:   Disconnected,
	}
}

func (b *BinanceFeed) Name() string { return "binance" }

func (b *BinanceFeed) Events() <-chan Event { return b.out }

// streamURL builds the combined-stream URL, e.g.
// wss://stream.binance.com:9443/stream?streams=btcusdt@bookTicker/ethusdt@bookTicker
func (b *BinanceFeed) streamURL() string {
	streams := make([]string, 0, len(b.symbols))
	for _, s := range b.symbols {
		streams = append(streams, strings.ToLower(s)+"@bookTicker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", b.baseURL, strings.Join(streams, "/"))
}

func (b *BinanceFeed) Start(ctx context.Context) error {
	if len(b.symbols) == 0 {
		return fmt.Errorf("no symbols configured for binance feed")
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

func (b *BinanceFeed) run(ctx context.Context) {
	defer close(b.out)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := b.connect(ctx); err != nil {
			b.setHealth(err)
			log.Printf("BinanceFeed | Connection failed: %v. Backing off for %v", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			// Exponential backoff, capped at 1 minute
			if backoff < time.Minute {
				backoff *= 2
				if backoff > time.Minute {
					backoff = time.Minute
				}
			}
			continue
		}

		backoff = time.Second
		b.readLoop(ctx)

		b.mu.Lock()
		b.state = Reconnecting
		b.mu.Unlock()
	}
}

func (b *BinanceFeed) connect(ctx context.Context) error {
	b.mu.Lock()
	b.state = Connecting
	b.mu.Unlock()

	url := b.streamURL()
	log.Printf("BinanceFeed | Connecting to %s", url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.state = Connected
	b.healthErr = nil
	b.mu.Unlock()

	log.Printf("BinanceFeed | Connected (%d symbols)", len(b.symbols))
	return nil
}

// bookTickerMsg is the combined-stream envelope around a bookTicker payload.
type bookTickerMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"data"`
}

func (b *BinanceFeed) readLoop(ctx context.Context) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.setHealth(err)
			log.Printf("BinanceFeed | Read failed: %v", err)
			conn.Close()
			return
		}

		var msg bookTickerMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("BinanceFeed | Failed to parse message: %v", err)
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}

		bid, err1 := strconv.ParseFloat(msg.Data.BidPrice, 64)
		ask, err2 := strconv.ParseFloat(msg.Data.AskPrice, 64)
		if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
			continue
		}

		ev := Event{
			Timestamp: time.Now().UTC(),
			Symbol:    msg.Data.Symbol,
			Price:     (bid + ask) / 2,
		}

		select {
		case b.out <- ev:
		default:
			// Drop when the consumer is behind; the next tick supersedes this
			// one anyway.
		}
	}
}

func (b *BinanceFeed) setHealth(err error) {
	b.mu.Lock()
	b.healthErr = err
	b.mu.Unlock()
}

// IsConnected returns true if the websocket is connected
func (b *BinanceFeed) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == Connected && b.conn != nil
}

// Health returns the last health error (if any)
func (b *BinanceFeed) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthErr
}

func (b *BinanceFeed) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
