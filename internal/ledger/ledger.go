// Package ledger
package ledger

import (
	"context"
	"errors"
)

// SettlementAsset is the single currency margin is posted and settled in.
const SettlementAsset = "USDT"

// ErrInsufficient is returned by Debit when the balance cannot cover the
// amount. No mutation occurs.
var ErrInsufficient = errors.New("insufficient balance")

// Balance is one (user, asset) row. QtyInt is a scaled integer and is never
// negative.
type Balance struct {
	UserID string
	Asset  string
	QtyInt int64
}

// Ledger is the durable balance store. Credit and Debit participate in the
// transaction carried in ctx when one is present, so the margin engine can
// combine them with position mutations into a single atomic unit. Debit
// checks sufficiency and debits inside that same unit; a failed check leaves
// the balance untouched.
type Ledger interface {
	GetBalance(ctx context.Context, userID, assetSym string) (int64, error)
	GetBalances(ctx context.Context, userID string) ([]Balance, error)
	Credit(ctx context.Context, userID, assetSym string, amountInt int64) error
	Debit(ctx context.Context, userID, assetSym string, amountInt int64) error
}
