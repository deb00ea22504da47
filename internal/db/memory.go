package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/journal"
	"github.com/amirphl/margin-trader/internal/ledger"
	"github.com/amirphl/margin-trader/internal/position"
	"github.com/amirphl/margin-trader/internal/tick"
)

// MemoryStorage is an in-memory Storage used by tests. Individual operations
// are atomic under one mutex; callers that need multi-operation atomicity
// rely on the engine's per-user lock, since there is no SQL transaction here.
type MemoryStorage struct {
	mu sync.RWMutex

	assets map[string]asset.Asset

	// Balances keyed by userID|asset
	balances map[string]int64

	positions map[string]position.Position

	// Ticks keyed by ts|symbol|priceInt for dedupe
	ticks map[string]tick.Tick

	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		assets:    make(map[string]asset.Asset),
		balances:  make(map[string]int64),
		positions: make(map[string]position.Position),
		ticks:     make(map[string]tick.Tick),
		events:    make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func balanceKey(userID, assetSym string) string { return userID + "|" + assetSym }

func tickKey(t tick.Tick) string {
	return t.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + t.Symbol + "|" + fmt.Sprint(t.PriceInt)
}

// -------- asset.Store --------

func (m *MemoryStorage) GetAsset(ctx context.Context, symbol string) (*asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.assets[symbol]; ok {
		aa := a
		return &aa, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveAsset(ctx context.Context, a asset.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.Symbol]; !ok {
		m.assets[a.Symbol] = a
	}
	return nil
}

// -------- ledger.Ledger --------

func (m *MemoryStorage) GetBalance(ctx context.Context, userID, assetSym string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey(userID, assetSym)], nil
}

func (m *MemoryStorage) GetBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Balance
	prefix := userID + "|"
	for k, v := range m.balances {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, ledger.Balance{UserID: userID, Asset: k[len(prefix):], QtyInt: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStorage) Credit(ctx context.Context, userID, assetSym string, amountInt int64) error {
	if amountInt < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amountInt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(userID, assetSym)] += amountInt
	return nil
}

func (m *MemoryStorage) Debit(ctx context.Context, userID, assetSym string, amountInt int64) error {
	if amountInt < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amountInt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey(userID, assetSym)
	if m.balances[key] < amountInt {
		return ledger.ErrInsufficient
	}
	m.balances[key] -= amountInt
	return nil
}

// -------- position.Store --------

func (m *MemoryStorage) CreatePosition(ctx context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryStorage) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[id]; ok {
		pp := p
		return &pp, nil
	}
	return nil, nil
}

func (m *MemoryStorage) ClosePosition(ctx context.Context, id string, status position.Status, closePriceInt, realizedPnlInt int64, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return position.ErrNotFound
	}
	if p.Status != position.StatusOpen {
		return position.ErrNotOpen
	}
	p.Status = status
	p.ClosePriceInt = &closePriceInt
	p.RealizedPnlInt = &realizedPnlInt
	t := closedAt.UTC()
	p.ClosedAt = &t
	m.positions[id] = p
	return nil
}

func (m *MemoryStorage) GetOpenPositionsByAsset(ctx context.Context, assetSym string) ([]position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []position.Position
	for _, p := range m.positions {
		if p.Asset == assetSym && p.Status == position.StatusOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStorage) GetPositionsByUser(ctx context.Context, userID string, statuses []position.Status) ([]position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[position.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []position.Position
	for _, p := range m.positions {
		if p.UserID == userID && want[p.Status] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

// -------- tick.Store --------

func (m *MemoryStorage) SaveTicks(ctx context.Context, ticks []tick.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range ticks {
		t := ticks[i]
		t.Timestamp = t.Timestamp.UTC()
		m.ticks[tickKey(t)] = t
	}
	return nil
}

func (m *MemoryStorage) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]tick.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []tick.Tick
	for _, t := range m.ticks {
		if t.Symbol != symbol {
			continue
		}
		if t.Timestamp.Before(start) || !t.Timestamp.Before(end) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// -------- journal.Journaler --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
