package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriceToInt(t *testing.T) {
	t.Run("Whole number", func(t *testing.T) {
		assert.Equal(t, int64(1000000), PriceToInt(100, 4))
	})

	t.Run("Fractional price", func(t *testing.T) {
		assert.Equal(t, int64(1005000), PriceToInt(100.5, 4))
	})

	t.Run("Rounds to nearest", func(t *testing.T) {
		assert.Equal(t, int64(1001), PriceToInt(100.05001, 1))
		assert.Equal(t, int64(1000), PriceToInt(100.04, 1))
	})

	t.Run("Half rounds away from zero", func(t *testing.T) {
		assert.Equal(t, int64(1001), PriceToInt(100.05, 1))
	})

	t.Run("Zero scale", func(t *testing.T) {
		assert.Equal(t, int64(100), PriceToInt(100.2, 0))
		assert.Equal(t, int64(101), PriceToInt(100.7, 0))
	})
}

func TestIntToPrice(t *testing.T) {
	assert.Equal(t, 100.5, IntToPrice(1005000, 4))
	assert.Equal(t, 100.0, IntToPrice(100, 0))
}

func TestApplySlippage(t *testing.T) {
	t.Run("Buyer pays the spread", func(t *testing.T) {
		// 100 * 1.01 = 101
		assert.Equal(t, int64(101), ApplySlippage(100, 100, 1))
	})

	t.Run("Seller receives less", func(t *testing.T) {
		// 100 * 0.99 = 99
		assert.Equal(t, int64(99), ApplySlippage(100, 100, -1))
	})

	t.Run("Rounds to nearest price unit", func(t *testing.T) {
		// 1015 * 1.001 = 1016.015 -> 1016
		assert.Equal(t, int64(1016), ApplySlippage(1015, 10, 1))
		// 333 * 0.999 = 332.667 -> 333
		assert.Equal(t, int64(333), ApplySlippage(333, 10, -1))
	})

	t.Run("Zero spread is identity", func(t *testing.T) {
		assert.Equal(t, int64(12345), ApplySlippage(12345, 0, 1))
		assert.Equal(t, int64(12345), ApplySlippage(12345, 0, -1))
	})
}

func TestPnL(t *testing.T) {
	t.Run("Buy gains when price rises", func(t *testing.T) {
		// margin=100, leverage=10 -> qty=1000; open at 101, close at 103:
		// (103-101)*1000/101 = 19 after truncation
		assert.Equal(t, int64(19), PnL(true, 101, 103, 1000))
	})

	t.Run("Buy loses when price falls", func(t *testing.T) {
		// (99-101)*1000/101 = -19.80 -> truncates toward zero to -19
		assert.Equal(t, int64(-19), PnL(true, 101, 99, 1000))
	})

	t.Run("Sell mirrors buy with negated sign", func(t *testing.T) {
		assert.Equal(t, int64(-19), PnL(false, 101, 103, 1000))
		assert.Equal(t, int64(19), PnL(false, 101, 99, 1000))
	})

	t.Run("Unchanged price is zero", func(t *testing.T) {
		assert.Equal(t, int64(0), PnL(true, 101, 101, 1000))
		assert.Equal(t, int64(0), PnL(false, 101, 101, 1000))
	})

	t.Run("Truncates toward zero on both signs", func(t *testing.T) {
		// 5*10/3 = 16.67 -> 16; -5*10/3 = -16.67 -> -16
		assert.Equal(t, int64(16), PnL(true, 3, 8, 10))
		assert.Equal(t, int64(-16), PnL(true, 3, -2, 10))
	})

	t.Run("Large notional does not overflow", func(t *testing.T) {
		// BTC-scale prices with a large quantity: the intermediate product
		// exceeds int64.
		open := int64(650_000_000_000) // 65,000.0000000 at scale 7
		close := int64(663_000_000_000)
		qty := int64(5_000_000_000)
		// (close-open)*qty/open = 13e9*5e9/65e10 = 100,000,000
		assert.Equal(t, int64(100_000_000), PnL(true, open, close, qty))
	})
}

func TestMaintenanceThreshold(t *testing.T) {
	// 20% of margin
	assert.Equal(t, int64(20), MaintenanceThreshold(100, 2000))
	assert.Equal(t, int64(0), MaintenanceThreshold(0, 2000))
	// truncates
	assert.Equal(t, int64(1), MaintenanceThreshold(9, 2000))
}
