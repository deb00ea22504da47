package asset

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	mu     sync.Mutex
	assets map[string]Asset
	gets   int
	saves  int
}

func newCountingStore() *countingStore {
	return &countingStore{assets: make(map[string]Asset)}
}

func (s *countingStore) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if a, ok := s.assets[symbol]; ok {
		aa := a
		return &aa, nil
	}
	return nil, nil
}

func (s *countingStore) SaveAsset(ctx context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if _, ok := s.assets[a.Symbol]; !ok {
		s.assets[a.Symbol] = a
	}
	return nil
}

func TestRegistry_ResolveKnownAsset(t *testing.T) {
	store := newCountingStore()
	store.assets["BTCUSDT"] = Asset{Symbol: "BTCUSDT", Name: "Bitcoin", PriceScale: 2, QtyScale: 8}
	r := NewRegistry(store)

	a, err := r.Resolve(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin", a.Name)
	assert.Equal(t, 2, a.PriceScale)
	assert.Equal(t, 8, a.QtyScale)
	assert.Equal(t, 0, store.saves)
}

func TestRegistry_AutoRegistersUnseenSymbol(t *testing.T) {
	store := newCountingStore()
	r := NewRegistry(store)

	a, err := r.Resolve(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", a.Symbol)
	assert.Equal(t, DefaultPriceScale, a.PriceScale)
	assert.Equal(t, DefaultQtyScale, a.QtyScale)
	assert.Equal(t, 1, store.saves)
}

func TestRegistry_CachesForProcessLifetime(t *testing.T) {
	store := newCountingStore()
	store.assets["BTCUSDT"] = Asset{Symbol: "BTCUSDT", Name: "Bitcoin", PriceScale: 4}
	r := NewRegistry(store)

	for i := 0; i < 10; i++ {
		_, err := r.Resolve(context.Background(), "BTCUSDT")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.gets)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Normalize("btc-usdt"))
	assert.Equal(t, "BTCUSDT", Normalize("BTCUSDT"))
	assert.Equal(t, "ETHUSDT", Normalize("ethusdt"))
}
