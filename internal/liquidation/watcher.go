// Package liquidation
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/amirphl/margin-trader/internal/engine"
	"github.com/amirphl/margin-trader/internal/fixedpoint"
	"github.com/amirphl/margin-trader/internal/notifier"
	"github.com/amirphl/margin-trader/internal/position"
)

// Store is the slice of storage the watcher reads.
type Store interface {
	GetOpenPositionsByAsset(ctx context.Context, assetSym string) ([]position.Position, error)
}

// Config holds the liquidation parameters.
type Config struct {
	// MaintenanceRatioBps: a position is liquidated when its equity falls to
	// or below margin * ratio. 2000 bps = 20% of margin.
	MaintenanceRatioBps int64
}

func DefaultConfig() Config {
	return Config{MaintenanceRatioBps: 2000}
}

// Watcher re-evaluates every open position on an asset against each new tick
// and forces a close when equity reaches the maintenance threshold. The check
// is level-triggered: a position that dips below threshold on a missed tick
// is caught on the next tick that reaches it.
type Watcher struct {
	cfg      Config
	store    Store
	engine   *engine.Engine
	notifier notifier.Notifier

	mu         sync.Mutex
	assetLocks map[string]*sync.Mutex
}

func NewWatcher(cfg Config, store Store, eng *engine.Engine, n notifier.Notifier) *Watcher {
	if n == nil {
		n = notifier.Noop{}
	}
	return &Watcher{
		cfg:        cfg,
		store:      store,
		engine:     eng,
		notifier:   n,
		assetLocks: make(map[string]*sync.Mutex),
	}
}

// lockAsset serializes sweeps per asset: no two sweeps for the same asset
// overlap even when several feeds carry the same symbol.
func (w *Watcher) lockAsset(symbol string) func() {
	w.mu.Lock()
	l, ok := w.assetLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		w.assetLocks[symbol] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// OnTick sweeps all open positions on symbol at the given mark price. A
// failure on one position is logged and does not abort the rest of the sweep.
func (w *Watcher) OnTick(ctx context.Context, symbol string, markPriceInt int64) {
	unlock := w.lockAsset(symbol)
	defer unlock()

	positions, err := w.store.GetOpenPositionsByAsset(ctx, symbol)
	if err != nil {
		log.Printf("Liquidation | Failed to load open positions for %s: %v", symbol, err)
		return
	}

	for _, pos := range positions {
		pnlInt := fixedpoint.PnL(pos.Side == position.SideBuy, pos.OpenPriceInt, markPriceInt, pos.QtyInt)
		equityInt := pos.MarginInt + pnlInt
		thresholdInt := fixedpoint.MaintenanceThreshold(pos.MarginInt, w.cfg.MaintenanceRatioBps)

		if equityInt > thresholdInt {
			continue
		}

		res, err := w.engine.Liquidate(ctx, pos, markPriceInt)
		if err != nil {
			// A concurrent user close wins the race; anything else is a real
			// failure but must not stop the remaining positions.
			if errors.Is(err, engine.ErrPositionNotOpen) {
				continue
			}
			log.Printf("Liquidation | Failed to liquidate position %s: %v", pos.ID, err)
			continue
		}

		log.Printf("Liquidation | Liquidated position %s | %s %s margin=%d leverage=%d open=%d mark=%d pnl=%d equity=%d credit=%d",
			pos.ID, pos.Side, pos.Asset, pos.MarginInt, pos.Leverage,
			pos.OpenPriceInt, markPriceInt, res.PnlInt, equityInt, res.CreditInt)

		if err := w.notifier.Send(fmt.Sprintf(
			"Liquidated %s %s position %s: margin=%d pnl=%d credited=%d",
			pos.Side, pos.Asset, pos.ID, pos.MarginInt, res.PnlInt, res.CreditInt)); err != nil {
			log.Printf("Liquidation | Failed to send notification for %s: %v", pos.ID, err)
		}
	}
}
