// Package engine
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/margin-trader/internal/db"
	"github.com/amirphl/margin-trader/internal/fixedpoint"
	"github.com/amirphl/margin-trader/internal/journal"
	"github.com/amirphl/margin-trader/internal/ledger"
	"github.com/amirphl/margin-trader/internal/position"
	"github.com/amirphl/margin-trader/internal/pricecache"
	"github.com/google/uuid"
)

// Config holds the margin engine parameters.
type Config struct {
	SettlementAsset string
	AllowedLeverage []int
	// MaxTickAge is the freshness window: a cached price older than this is
	// unusable and trades against it are rejected.
	MaxTickAge time.Duration
	// SpreadBps maps asset symbols to their spread in basis points;
	// DefaultSpreadBps applies to symbols not in the map.
	SpreadBps        map[string]int64
	DefaultSpreadBps int64
}

// DefaultConfig returns the default engine parameters.
func DefaultConfig() Config {
	return Config{
		SettlementAsset:  ledger.SettlementAsset,
		AllowedLeverage:  []int{5, 10, 20, 100},
		MaxTickAge:       5 * time.Second,
		DefaultSpreadBps: 100,
	}
}

// CloseResult reports the terms a position was closed at. CreditInt is the
// amount returned to the settlement balance: margin + pnl for a user close,
// max(equity, 0) for a liquidation.
type CloseResult struct {
	ClosePriceInt int64
	PnlInt        int64
	CreditInt     int64
}

// Engine opens and closes leveraged positions against the price cache and is
// the only writer of position status and margin-affecting balances. Every
// mutation runs inside the storage transaction primitive; operations on the
// same user additionally serialize on a per-user lock.
type Engine struct {
	cfg     Config
	storage db.Storage
	cache   *pricecache.Cache

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() time.Time
}

func New(cfg Config, storage db.Storage, cache *pricecache.Cache) *Engine {
	if cfg.SettlementAsset == "" {
		cfg.SettlementAsset = ledger.SettlementAsset
	}
	return &Engine{
		cfg:       cfg,
		storage:   storage,
		cache:     cache,
		userLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// lockUser serializes balance-affecting operations for one user.
func (e *Engine) lockUser(userID string) func() {
	e.mu.Lock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.userLocks[userID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) spreadFor(symbol string) int64 {
	if bps, ok := e.cfg.SpreadBps[symbol]; ok {
		return bps
	}
	return e.cfg.DefaultSpreadBps
}

func (e *Engine) leverageAllowed(leverage int) bool {
	for _, l := range e.cfg.AllowedLeverage {
		if l == leverage {
			return true
		}
	}
	return false
}

// executeWithTransaction runs fn inside a storage transaction carried through
// the context, committing or rolling back as one unit. In-memory storage has
// no SQL transactions; there the per-user lock is the unit of exclusion and
// fn runs directly.
func (e *Engine) executeWithTransaction(ctx context.Context, fn func(context.Context) error) error {
	dbConn := e.storage.GetDB()
	if dbConn == nil {
		return fn(ctx)
	}

	if tx := db.GetTransaction(ctx); tx != nil {
		return fn(ctx)
	}

	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txCtx := db.WithTransaction(ctx, tx)

	if fnErr := fn(txCtx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// OpenPosition opens a leveraged position for userID against the latest
// cached price. The margin debit and the position insert commit together or
// not at all; the margin stays in escrow until close or liquidation.
func (e *Engine) OpenPosition(ctx context.Context, userID string, side position.Side, marginInt int64, leverage int, symbol string) (*position.Position, error) {
	if userID == "" || symbol == "" {
		return nil, fmt.Errorf("%w: user and asset are required", ErrInvalidInput)
	}
	if marginInt <= 0 {
		return nil, fmt.Errorf("%w: margin must be positive", ErrInvalidInput)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidInput)
	}
	if !e.leverageAllowed(leverage) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLeverage, leverage)
	}

	priceInt, ok := e.cache.Fresh(symbol, e.cfg.MaxTickAge, e.now())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	// A buyer pays the spread on top of the market price, a seller receives
	// the market price minus the spread.
	dir := 1
	if side == position.SideSell {
		dir = -1
	}
	openPriceInt := fixedpoint.ApplySlippage(priceInt, e.spreadFor(symbol), dir)

	pos := position.Position{
		ID:           uuid.NewString(),
		UserID:       userID,
		Asset:        symbol,
		Side:         side,
		Leverage:     leverage,
		MarginInt:    marginInt,
		QtyInt:       marginInt * int64(leverage),
		OpenPriceInt: openPriceInt,
		Status:       position.StatusOpen,
		OpenedAt:     e.now().UTC(),
	}

	unlock := e.lockUser(userID)
	defer unlock()

	err := e.executeWithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.storage.Debit(txCtx, userID, e.cfg.SettlementAsset, marginInt); err != nil {
			if errors.Is(err, ledger.ErrInsufficient) {
				return fmt.Errorf("%w: margin %d", ErrInsufficientBalance, marginInt)
			}
			return err
		}
		if err := e.storage.CreatePosition(txCtx, pos); err != nil {
			return err
		}
		return e.storage.LogEvent(txCtx, journal.Event{
			Time:        pos.OpenedAt,
			Type:        "position",
			Description: "position_opened",
			Data: map[string]any{
				"id":       pos.ID,
				"user":     userID,
				"asset":    symbol,
				"side":     string(side),
				"leverage": leverage,
				"margin":   marginInt,
				"openRate": openPriceInt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Engine | Opened position %s: %s %s margin=%d leverage=%d open=%d",
		pos.ID, side, symbol, marginInt, leverage, openPriceInt)
	return &pos, nil
}

// ClosePosition closes an open position owned by userID at the latest cached
// price, with slippage opposite in direction to the opening spread. The
// status transition and the settlement credit commit as one unit.
func (e *Engine) ClosePosition(ctx context.Context, userID, positionID string) (*CloseResult, error) {
	if userID == "" || positionID == "" {
		return nil, fmt.Errorf("%w: user and position id are required", ErrInvalidInput)
	}

	pos, err := e.storage.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if pos.Status != position.StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, positionID, pos.Status)
	}

	priceInt, ok := e.cache.Fresh(pos.Asset, e.cfg.MaxTickAge, e.now())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, pos.Asset)
	}

	// Closing a BUY sells, closing a SELL buys back: the spread direction
	// flips relative to open.
	dir := -1
	if pos.Side == position.SideSell {
		dir = 1
	}
	closePriceInt := fixedpoint.ApplySlippage(priceInt, e.spreadFor(pos.Asset), dir)

	pnlInt := fixedpoint.PnL(pos.Side == position.SideBuy, pos.OpenPriceInt, closePriceInt, pos.QtyInt)
	creditInt := pos.MarginInt + pnlInt
	if creditInt < 0 {
		creditInt = 0
	}

	unlock := e.lockUser(userID)
	defer unlock()

	closedAt := e.now().UTC()
	err = e.executeWithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.storage.ClosePosition(txCtx, positionID, position.StatusClosed, closePriceInt, pnlInt, closedAt); err != nil {
			if errors.Is(err, position.ErrNotOpen) {
				return fmt.Errorf("%w: %s", ErrPositionNotOpen, positionID)
			}
			if errors.Is(err, position.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
			}
			return err
		}
		if err := e.storage.Credit(txCtx, userID, e.cfg.SettlementAsset, creditInt); err != nil {
			return err
		}
		return e.storage.LogEvent(txCtx, journal.Event{
			Time:        closedAt,
			Type:        "position",
			Description: "position_closed",
			Data: map[string]any{
				"id":        positionID,
				"user":      userID,
				"closeRate": closePriceInt,
				"pnl":       pnlInt,
				"credit":    creditInt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Engine | Closed position %s: close=%d pnl=%d credit=%d",
		positionID, closePriceInt, pnlInt, creditInt)
	return &CloseResult{ClosePriceInt: closePriceInt, PnlInt: pnlInt, CreditInt: creditInt}, nil
}

// Liquidate force-closes an open position at the given mark price. Unlike a
// user close no spread is applied, and the credit is floored at zero:
// max(margin + pnl, 0). The liquidation watcher is the only caller.
func (e *Engine) Liquidate(ctx context.Context, pos position.Position, markPriceInt int64) (*CloseResult, error) {
	pnlInt := fixedpoint.PnL(pos.Side == position.SideBuy, pos.OpenPriceInt, markPriceInt, pos.QtyInt)
	creditInt := pos.MarginInt + pnlInt
	if creditInt < 0 {
		creditInt = 0
	}

	unlock := e.lockUser(pos.UserID)
	defer unlock()

	closedAt := e.now().UTC()
	err := e.executeWithTransaction(ctx, func(txCtx context.Context) error {
		// The status guard inside ClosePosition makes this exactly-once: if
		// the user closed the position concurrently, ErrNotOpen surfaces here
		// and no credit is applied.
		if err := e.storage.ClosePosition(txCtx, pos.ID, position.StatusLiquidated, markPriceInt, pnlInt, closedAt); err != nil {
			if errors.Is(err, position.ErrNotOpen) {
				return fmt.Errorf("%w: %s", ErrPositionNotOpen, pos.ID)
			}
			if errors.Is(err, position.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrPositionNotFound, pos.ID)
			}
			return err
		}
		if err := e.storage.Credit(txCtx, pos.UserID, e.cfg.SettlementAsset, creditInt); err != nil {
			return err
		}
		return e.storage.LogEvent(txCtx, journal.Event{
			Time:        closedAt,
			Type:        "liquidation",
			Description: "position_liquidated",
			Data: map[string]any{
				"id":     pos.ID,
				"user":   pos.UserID,
				"asset":  pos.Asset,
				"mark":   markPriceInt,
				"pnl":    pnlInt,
				"credit": creditInt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	return &CloseResult{ClosePriceInt: markPriceInt, PnlInt: pnlInt, CreditInt: creditInt}, nil
}

// Deposit credits the user's balance unconditionally for positive amounts.
func (e *Engine) Deposit(ctx context.Context, userID, assetSym string, amountInt int64) error {
	if userID == "" || assetSym == "" {
		return fmt.Errorf("%w: user and asset are required", ErrInvalidInput)
	}
	if amountInt <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidInput)
	}

	unlock := e.lockUser(userID)
	defer unlock()

	return e.executeWithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.storage.Credit(txCtx, userID, assetSym, amountInt); err != nil {
			return err
		}
		return e.storage.LogEvent(txCtx, journal.Event{
			Time:        e.now().UTC(),
			Type:        "deposit",
			Description: "balance_deposited",
			Data: map[string]any{
				"user":   userID,
				"asset":  assetSym,
				"amount": amountInt,
			},
		})
	})
}

// GetBalance returns the user's settlement balance.
func (e *Engine) GetBalance(ctx context.Context, userID string) (int64, error) {
	return e.storage.GetBalance(ctx, userID, e.cfg.SettlementAsset)
}

// GetBalances returns all of the user's balances.
func (e *Engine) GetBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	return e.storage.GetBalances(ctx, userID)
}

// ListOpenPositions returns the user's open positions.
func (e *Engine) ListOpenPositions(ctx context.Context, userID string) ([]position.Position, error) {
	return e.storage.GetPositionsByUser(ctx, userID, []position.Status{position.StatusOpen})
}

// ListClosedPositions returns the user's terminal positions, both closed and
// liquidated.
func (e *Engine) ListClosedPositions(ctx context.Context, userID string) ([]position.Position, error) {
	return e.storage.GetPositionsByUser(ctx, userID, []position.Status{position.StatusClosed, position.StatusLiquidated})
}
