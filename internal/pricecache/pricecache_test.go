package pricecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_UpdateAndGet(t *testing.T) {
	c := New()

	_, ok := c.Get("BTCUSDT")
	assert.False(t, ok)

	now := time.Now()
	c.Update("BTCUSDT", 1000000, now)

	e, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1000000), e.PriceInt)
	assert.Equal(t, now, e.Timestamp)
}

func TestCache_LastWriterWins(t *testing.T) {
	c := New()

	earlier := time.Now().Add(-time.Minute)
	later := time.Now()

	// Delivery order is authoritative, not timestamp order: a late tick with
	// an older exchange timestamp still overwrites.
	c.Update("BTCUSDT", 1000000, later)
	c.Update("BTCUSDT", 999000, earlier)

	e, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(999000), e.PriceInt)
	assert.Equal(t, earlier, e.Timestamp)
}

func TestCache_KeysAreIndependent(t *testing.T) {
	c := New()
	c.Update("BTCUSDT", 100, time.Now())
	c.Update("ETHUSDT", 200, time.Now())

	e, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(100), e.PriceInt)

	e, ok = c.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(200), e.PriceInt)

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, c.Symbols())
}

func TestCache_Fresh(t *testing.T) {
	c := New()
	maxAge := 5 * time.Second

	t.Run("Absent symbol", func(t *testing.T) {
		_, ok := c.Fresh("BTCUSDT", maxAge, time.Now())
		assert.False(t, ok)
	})

	t.Run("Fresh price", func(t *testing.T) {
		c.Update("BTCUSDT", 1000000, time.Now())
		price, ok := c.Fresh("BTCUSDT", maxAge, time.Now())
		require.True(t, ok)
		assert.Equal(t, int64(1000000), price)
	})

	t.Run("Stale price", func(t *testing.T) {
		c.Update("BTCUSDT", 1000000, time.Now())
		_, ok := c.Fresh("BTCUSDT", maxAge, time.Now().Add(6*time.Second))
		assert.False(t, ok)
	})
}
