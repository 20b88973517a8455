package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

// fakeStore embeds the interface so it satisfies ports.TradeStore
// while only implementing the method IsDuplicate actually calls.
type fakeStore struct {
	ports.TradeStore
	matches     []*domain.Trade
	lastSinceMs int64
	err         error
}

func (f *fakeStore) FindRecentBySignalHash(ctx context.Context, userID, signalHash string, sinceUnixMs int64) ([]*domain.Trade, error) {
	f.lastSinceMs = sinceUnixMs
	return f.matches, f.err
}

func short(s domain.PositionSide) *domain.PositionSide { return &s }

func TestGenerateHash_StableAndOrderIndependent(t *testing.T) {
	side := domain.Long
	s1 := &domain.TradeSignal{Symbol: "btcusdt", SignalType: domain.SignalEntry, Side: &side, EntryPriceLow: 1, EntryPriceHigh: 2, StopLoss: 3, TakeProfits: []float64{5, 4}}
	s2 := &domain.TradeSignal{Symbol: "BTCUSDT", SignalType: domain.SignalEntry, Side: &side, EntryPriceLow: 1, EntryPriceHigh: 2, StopLoss: 3, TakeProfits: []float64{4, 5}}
	assert.Equal(t, GenerateHash(s1), GenerateHash(s2))
}

func TestGenerateHash_DiffersOnSide(t *testing.T) {
	s1 := &domain.TradeSignal{Symbol: "BTCUSDT", SignalType: domain.SignalEntry, Side: short(domain.Long)}
	s2 := &domain.TradeSignal{Symbol: "BTCUSDT", SignalType: domain.SignalEntry, Side: short(domain.Short)}
	assert.NotEqual(t, GenerateHash(s1), GenerateHash(s2))
}

func TestGenerateHash_NilSignal(t *testing.T) {
	assert.Equal(t, "", GenerateHash(nil))
}

func TestIsDuplicate_True(t *testing.T) {
	store := &fakeStore{matches: []*domain.Trade{{TradeID: 1}}}
	clock := fakeClock{now: time.UnixMilli(100_000)}
	d := New(store, clock, 60*time.Second)

	sig := &domain.TradeSignal{Symbol: "BTCUSDT", SignalType: domain.SignalEntry, Side: short(domain.Long)}
	dup, err := d.IsDuplicate(context.Background(), sig, "user1")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, int64(40_000), store.lastSinceMs)
}

func TestIsDuplicate_False(t *testing.T) {
	store := &fakeStore{matches: nil}
	clock := fakeClock{now: time.Now()}
	d := New(store, clock, 60*time.Second)

	sig := &domain.TradeSignal{Symbol: "ETHUSDT", SignalType: domain.SignalEntry, Side: short(domain.Short)}
	dup, err := d.IsDuplicate(context.Background(), sig, "user1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIsDuplicate_DefaultWindowWhenNonPositive(t *testing.T) {
	store := &fakeStore{}
	clock := fakeClock{now: time.UnixMilli(1_000_000)}
	d := New(store, clock, 0)
	sig := &domain.TradeSignal{Symbol: "BTCUSDT", SignalType: domain.SignalEntry}
	_, err := d.IsDuplicate(context.Background(), sig, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000-60_000), store.lastSinceMs)
}
