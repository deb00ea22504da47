// Package ingest
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/feed"
	"github.com/amirphl/margin-trader/internal/fixedpoint"
	"github.com/amirphl/margin-trader/internal/pricecache"
	"github.com/amirphl/margin-trader/internal/tick"
)

// Sweeper is invoked inline for every ingested tick, after the price cache
// has been updated. The liquidation watcher implements it.
type Sweeper interface {
	OnTick(ctx context.Context, symbol string, priceInt int64)
}

// Config holds configuration for the ingestion service
type Config struct {
	// FlushInterval is how often the buffered ticks are drained into one
	// durable batch write.
	FlushInterval time.Duration
	// BufferCap bounds the in-memory tick buffer; ticks past the cap are
	// dropped (the tick log is best-effort).
	BufferCap int
	// StopTimeout bounds how long Stop waits for feed loops to drain.
	StopTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Second,
		BufferCap:     100_000,
		StopTimeout:   30 * time.Second,
	}
}

type feedStats struct {
	Received int64
	Dropped  int64
	LastTick time.Time
}

// Service consumes one or more upstream tick feeds. Per tick it updates the
// price cache synchronously, runs the liquidation sweep inline, and buffers
// the tick for the periodic durable flush. Cache freshness is never blocked
// by storage latency: the flush runs on its own goroutine.
type Service struct {
	cfg      Config
	ctx      context.Context
	store    tick.Store
	registry *asset.Registry
	cache    *pricecache.Cache
	feeds    []feed.Feed
	sweeper  Sweeper

	mu      sync.Mutex
	buffer  []tick.Tick
	flushed int64
	lost    int64
	stats   map[string]*feedStats

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new tick ingestion service.
func New(ctx context.Context, cfg Config, store tick.Store, registry *asset.Registry, cache *pricecache.Cache, sweeper Sweeper, feeds ...feed.Feed) *Service {
	return &Service{
		cfg:      cfg,
		ctx:      ctx,
		store:    store,
		registry: registry,
		cache:    cache,
		sweeper:  sweeper,
		feeds:    feeds,
		buffer:   make([]tick.Tick, 0, 1024),
		stats:    make(map[string]*feedStats),
		quit:     make(chan struct{}),
	}
}

// Start begins consuming all configured feeds.
func (s *Service) Start() error {
	if len(s.feeds) == 0 {
		return fmt.Errorf("no feeds configured for ingestion service")
	}

	log.Printf("Ingest | Starting tick ingestion with %d feeds", len(s.feeds))

	// Register every feed's stats entry before any feed loop runs: once the
	// first loop is up, handleTick reads the stats map concurrently.
	for _, f := range s.feeds {
		s.stats[f.Name()] = &feedStats{}
	}

	for _, f := range s.feeds {
		if err := f.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start feed %s: %w", f.Name(), err)
		}

		s.wg.Add(1)
		go func(f feed.Feed) {
			defer s.wg.Done()
			s.runFeedLoop(f)
		}(f)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFlushLoop()
	}()

	log.Printf("Ingest | Ingestion service started")
	return nil
}

// Stop gracefully stops the ingestion service and performs a final flush.
func (s *Service) Stop() {
	log.Printf("Ingest | Stopping ingestion service...")

	s.stopOnce.Do(func() { close(s.quit) })
	for _, f := range s.feeds {
		f.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("Ingest | Ingestion service stopped gracefully")
	case <-time.After(s.cfg.StopTimeout):
		log.Printf("Ingest | Ingestion service stop timed out")
	}

	// Final best-effort flush of whatever is still buffered.
	s.flush(context.Background())
}

// runFeedLoop consumes one feed until its channel closes. Ticks are handled
// strictly in delivery order: the cache update and the liquidation sweep for
// a tick complete before the next tick from this feed is processed.
func (s *Service) runFeedLoop(f feed.Feed) {
	log.Printf("Ingest | [%s] Starting feed loop", f.Name())

	for {
		select {
		case <-s.ctx.Done():
			log.Printf("Ingest | [%s] Stopping feed loop", f.Name())
			return
		case ev, ok := <-f.Events():
			if !ok {
				log.Printf("Ingest | [%s] Feed closed", f.Name())
				return
			}
			s.handleTick(f.Name(), ev)
		}
	}
}

func (s *Service) handleTick(feedName string, ev feed.Event) {
	a, err := s.registry.Resolve(s.ctx, ev.Symbol)
	if err != nil {
		log.Printf("Ingest | [%s] Failed to resolve asset %s: %v", feedName, ev.Symbol, err)
		return
	}

	priceInt := fixedpoint.PriceToInt(ev.Price, a.PriceScale)
	if priceInt <= 0 {
		return
	}

	// The cache update must complete before the tick counts as delivered;
	// open/close/liquidation correctness depends on it.
	s.cache.Update(a.Symbol, priceInt, ev.Timestamp)

	if s.sweeper != nil {
		s.sweeper.OnTick(s.ctx, a.Symbol, priceInt)
	}

	s.mu.Lock()
	st := s.stats[feedName]
	st.Received++
	st.LastTick = ev.Timestamp
	if len(s.buffer) < s.cfg.BufferCap {
		s.buffer = append(s.buffer, tick.Tick{Timestamp: ev.Timestamp, Symbol: a.Symbol, PriceInt: priceInt})
	} else {
		st.Dropped++
	}
	s.mu.Unlock()
}

func (s *Service) runFlushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			s.flush(s.ctx)
		}
	}
}

// flush drains the buffer and writes it as one batch. A failed flush drops
// the batch: tick-log durability is best-effort, only the cache and the
// ledger are authoritative.
func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]tick.Tick, 0, 1024)
	s.mu.Unlock()

	if err := s.store.SaveTicks(ctx, batch); err != nil {
		s.mu.Lock()
		s.lost += int64(len(batch))
		s.mu.Unlock()
		log.Printf("Ingest | Failed to flush %d ticks (batch dropped): %v", len(batch), err)
		return
	}

	s.mu.Lock()
	s.flushed += int64(len(batch))
	s.mu.Unlock()
	log.Printf("Ingest | Flushed %d ticks", len(batch))
}

// Stats returns per-feed ingestion statistics.
func (s *Service) Stats() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]any, len(s.stats)+1)
	for name, st := range s.stats {
		out[name] = map[string]any{
			"received":  st.Received,
			"dropped":   st.Dropped,
			"last_tick": st.LastTick,
		}
	}
	out["flush"] = map[string]any{
		"flushed":  s.flushed,
		"lost":     s.lost,
		"buffered": len(s.buffer),
	}
	return out
}
