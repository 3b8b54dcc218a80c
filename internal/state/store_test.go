package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
}

func TestMutateBumpsVersionAndCopies(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot()

	after := s.Mutate(func(snap *Snapshot) {
		snap.Positions["BTCUSDT"] = Position{Symbol: "BTCUSDT", Quantity: 0.5, EntryPrice: 100}
	})

	assert.Equal(t, before.Version+1, after.Version)
	assert.Empty(t, before.Positions, "old snapshot must not see the mutation")
	assert.Len(t, s.Snapshot().Positions, 1)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, zerolog.Nop())
	s.Mutate(func(snap *Snapshot) {
		snap.Positions["ETHUSDT"] = Position{
			Symbol: "ETHUSDT", Quantity: 2, EntryPrice: 2000, CurrentPrice: 2050,
			TakeProfit: 2040, StopLoss: 1900, OpenedAt: time.Now().UTC().Truncate(time.Second),
			RegimeAtOpen: "NORMAL", Strategy: "technical_momentum",
		}
		snap.PendingBuys["SOLUSDT"] = PendingBuy{Symbol: "SOLUSDT", OrderID: "42", Notional: 15}
		snap.Daily = DailyCounters{Day: "2026-08-26", Trades: 3, Wins: 2, Losses: 1, RealizedPnL: 1.25}
		snap.Mode = ModeCautious
		snap.LastRegime = "BULL"
	})
	require.NoError(t, s.Persist())

	restored := NewStore(path, zerolog.Nop())
	require.NoError(t, restored.Load())

	assert.Equal(t, s.Snapshot(), restored.Snapshot())
}

func TestLoadCorruptFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, zerolog.Nop())
	s.Mutate(func(snap *Snapshot) {
		snap.Positions["BTCUSDT"] = Position{Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50}
	})
	require.NoError(t, s.Persist())
	// A second persist rotates the good file to .bak, then we corrupt the primary.
	require.NoError(t, s.Persist())
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	restored := NewStore(path, zerolog.Nop())
	require.NoError(t, restored.Load())
	assert.Len(t, restored.Snapshot().Positions, 1)
}

func TestLoadGarbledPrimaryRestoresBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, zerolog.Nop())
	s.Mutate(func(snap *Snapshot) {
		snap.Positions["XUSDT"] = Position{Symbol: "XUSDT", Quantity: 3, EntryPrice: 10}
	})
	require.NoError(t, s.Persist())
	require.NoError(t, s.Persist())
	// Non-empty but undecodable: a torn write that still landed bytes.
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	restored := NewStore(path, zerolog.Nop())
	require.NoError(t, restored.Load())
	assert.Len(t, restored.Snapshot().Positions, 1)
	assert.Equal(t, 3.0, restored.Snapshot().Positions["XUSDT"].Quantity)
}

func TestLoadGarbledPrimaryWithoutBackupStartsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	s := NewStore(path, zerolog.Nop())
	require.NoError(t, s.Load())
	assert.Empty(t, s.Snapshot().Positions)
}

func TestLoadMissingFileStartsBlank(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())
	require.NoError(t, s.Load())
	snap := s.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, ModeHunting, snap.Mode)
}

func TestRecomputeCapital(t *testing.T) {
	s := newTestStore(t)
	s.Mutate(func(snap *Snapshot) {
		snap.Positions["BTCUSDT"] = Position{Symbol: "BTCUSDT", Quantity: 0.2, CurrentPrice: 100}
		snap.PendingBuys["ETHUSDT"] = PendingBuy{Symbol: "ETHUSDT", Notional: 15}
	})

	snap := s.RecomputeCapital(50)
	assert.Equal(t, CapitalAwareness{Available: 50, Locked: 15, Holdings: 20, Total: 85}, snap.Capital)
	assert.InDelta(t, snap.Capital.Total, snap.Capital.Available+snap.Capital.Locked+snap.Capital.Holdings, 1e-9)
}

func TestRollDayResetsCounters(t *testing.T) {
	s := newTestStore(t)
	s.Mutate(func(snap *Snapshot) {
		snap.Daily = DailyCounters{Day: "2026-08-25", Trades: 9, RealizedPnL: -4}
	})

	s.RollDay(time.Date(2026, 8, 26, 0, 0, 1, 0, time.UTC))
	daily := s.Snapshot().Daily
	assert.Equal(t, "2026-08-26", daily.Day)
	assert.Zero(t, daily.Trades)

	// Same-day call is a no-op.
	v := s.Snapshot().Version
	s.RollDay(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, v, s.Snapshot().Version)
}

func TestRollDayLiftsQuarantine(t *testing.T) {
	s := newTestStore(t)
	s.Mutate(func(snap *Snapshot) {
		snap.Daily = DailyCounters{Day: "2026-08-25"}
		snap.Positions["XUSDT"] = Position{Symbol: "XUSDT", Quantity: 3, Quarantined: true}
	})

	s.RollDay(time.Date(2026, 8, 26, 0, 0, 1, 0, time.UTC))
	assert.False(t, s.Snapshot().Positions["XUSDT"].Quarantined)
}

func TestUnrealizedGain(t *testing.T) {
	p := Position{EntryPrice: 100, CurrentPrice: 103}
	assert.InDelta(t, 0.03, p.UnrealizedGain(), 1e-9)
	assert.Zero(t, Position{}.UnrealizedGain())
}
