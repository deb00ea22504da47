// Package position
package position

import (
	"context"
	"errors"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
	StatusLiquidated Status = "LIQUIDATED"
)

var (
	// ErrNotFound means the position id is unknown.
	ErrNotFound = errors.New("position not found")
	// ErrNotOpen means the position is already in a terminal state. Terminal
	// states are immutable; a position never reopens.
	ErrNotOpen = errors.New("position is not open")
)

// Position is one leveraged position. All monetary fields are scaled
// integers; QtyInt is always MarginInt * Leverage.
type Position struct {
	ID             string
	UserID         string
	Asset          string
	Side           Side
	Leverage       int
	MarginInt      int64
	QtyInt         int64
	OpenPriceInt   int64
	Status         Status
	ClosePriceInt  *int64
	RealizedPnlInt *int64
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// Store is the durable position table. ClosePosition transitions an OPEN
// position to a terminal status exactly once: the status guard lives inside
// the store's atomic unit, so a concurrent user close and liquidation can
// never both apply. It returns ErrNotOpen when the position is already
// terminal and ErrNotFound when the id is unknown.
type Store interface {
	CreatePosition(ctx context.Context, p Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ClosePosition(ctx context.Context, id string, status Status, closePriceInt, realizedPnlInt int64, closedAt time.Time) error
	GetOpenPositionsByAsset(ctx context.Context, assetSym string) ([]Position, error)
	GetPositionsByUser(ctx context.Context, userID string, statuses []Status) ([]Position, error)
}
