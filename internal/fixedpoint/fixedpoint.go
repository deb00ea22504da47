// Package fixedpoint
//
// All money math in this system is integer-only. Floating point exists solely
// at the feed boundary and is converted exactly once by PriceToInt; everything
// downstream (slippage, PnL, equity) operates on scaled int64 values.
package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// PriceToInt converts an external float price into a scaled integer using the
// asset's price scale. Rounding rule: nearest, ties away from zero. This is
// the only place a float enters the system.
func PriceToInt(price float64, scale int) int64 {
	return decimal.NewFromFloat(price).Shift(int32(scale)).Round(0).IntPart()
}

// IntToPrice converts a scaled integer price back to a float for display and
// logging only. Never feed the result back into ledger math.
func IntToPrice(priceInt int64, scale int) float64 {
	f, _ := decimal.New(priceInt, -int32(scale)).Float64()
	return f
}

// ApplySlippage applies a spread of spreadBps basis points to a scaled price.
// direction > 0 moves the price against a buyer (pays more), direction < 0
// against a seller (receives less). Result is rounded to the nearest integer
// price unit.
func ApplySlippage(priceInt, spreadBps int64, direction int) int64 {
	factor := int64(10_000)
	if direction > 0 {
		factor += spreadBps
	} else {
		factor -= spreadBps
	}
	num := new(big.Int).Mul(big.NewInt(priceInt), big.NewInt(factor))
	num.Add(num, big.NewInt(5_000))
	num.Quo(num, big.NewInt(10_000))
	return num.Int64()
}

// PnL computes realized or unrealized profit/loss as an integer ratio:
//
//	buy:  (closePrice - openPrice) * quantity / openPrice
//	sell: (openPrice - closePrice) * quantity / openPrice
//
// The intermediate product overflows int64 at realistic scales, so the whole
// computation runs in math/big. Division truncates toward zero (big.Int.Quo);
// the same rule applies on the close path and in the liquidation sweep since
// both call this function.
func PnL(isBuy bool, openPriceInt, closePriceInt, qtyInt int64) int64 {
	diff := new(big.Int).Sub(big.NewInt(closePriceInt), big.NewInt(openPriceInt))
	if !isBuy {
		diff.Neg(diff)
	}
	diff.Mul(diff, big.NewInt(qtyInt))
	diff.Quo(diff, big.NewInt(openPriceInt))
	return diff.Int64()
}

// MaintenanceThreshold returns the equity level at or below which a position
// is liquidated: margin * ratioBps / 10000, truncating.
func MaintenanceThreshold(marginInt, ratioBps int64) int64 {
	t := new(big.Int).Mul(big.NewInt(marginInt), big.NewInt(ratioBps))
	t.Quo(t, big.NewInt(10_000))
	return t.Int64()
}
