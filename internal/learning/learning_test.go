package learning

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(filepath.Join(t.TempDir(), "learning.json"), zerolog.Nop())
}

func outcome(id, symbol, reg, strategy string, pnl float64) Outcome {
	return Outcome{
		TradeID: id, Symbol: symbol, Regime: reg, Strategy: strategy,
		RealizedPnL: pnl, ClosedAt: time.Now().UTC(),
	}
}

func TestFoldAccumulates(t *testing.T) {
	m := newTestMemory(t)
	m.Fold(outcome("t1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 0.5))
	m.Fold(outcome("t2", "BTCUSDT", "NORMAL", "TAKE_PROFIT", -0.3))

	trades, winRate := m.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 2, trades)
	assert.InDelta(t, 0.5, winRate, 1e-9)
}

func TestFoldDedupesByTradeID(t *testing.T) {
	m := newTestMemory(t)
	o := outcome("t1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 0.5)
	m.Fold(o)
	m.Fold(o)
	m.Fold(o)

	trades, _ := m.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
}

func TestAvoidRequiresTenTrades(t *testing.T) {
	m := newTestMemory(t)
	for i := 0; i < 9; i++ {
		m.Fold(outcome(fmt.Sprintf("t%d", i), "RUGUSDT", "NORMAL", "STOP_LOSS", -1))
	}
	assert.False(t, m.Avoid("RUGUSDT"), "nine losses are not enough history")

	m.Fold(outcome("t9", "RUGUSDT", "NORMAL", "STOP_LOSS", -1))
	assert.True(t, m.Avoid("RUGUSDT"))
}

func TestBestStrategiesOrdering(t *testing.T) {
	m := newTestMemory(t)
	m.Fold(outcome("a1", "BTCUSDT", "BULL", "TAKE_PROFIT", 1))
	m.Fold(outcome("a2", "ETHUSDT", "BULL", "TAKE_PROFIT", 1))
	m.Fold(outcome("b1", "BTCUSDT", "BULL", "STOP_LOSS", -1))
	m.Fold(outcome("c1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 1))

	best := m.BestStrategies("BULL")
	require.Len(t, best, 2)
	assert.Equal(t, "BULL/TAKE_PROFIT", best[0].Key)
	assert.Equal(t, "BULL/STOP_LOSS", best[1].Key)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.json")
	m := NewMemory(path, zerolog.Nop())
	m.Fold(outcome("t1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 0.5))
	m.Fold(outcome("t2", "ETHUSDT", "BULL", "STOP_LOSS", -0.2))
	m.BumpCycles()
	require.NoError(t, m.Persist())

	restored := NewMemory(path, zerolog.Nop())
	require.NoError(t, restored.Load())

	trades, winRate := restored.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1.0, winRate)

	// Dedupe survives the restart: refolding t1 changes nothing.
	restored.Fold(outcome("t1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 0.5))
	trades, _ = restored.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
}

func TestLoadMissingFileStartsBlank(t *testing.T) {
	m := newTestMemory(t)
	require.NoError(t, m.Load())
	trades, _ := m.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Zero(t, trades)
}

func TestLoadGarbledPrimaryRestoresBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.json")
	m := NewMemory(path, zerolog.Nop())
	m.Fold(outcome("t1", "BTCUSDT", "NORMAL", "TAKE_PROFIT", 0.5))
	require.NoError(t, m.Persist())
	// The second persist rotates the good file to .bak; then the primary
	// gets garbled non-empty bytes.
	require.NoError(t, m.Persist())
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	restored := NewMemory(path, zerolog.Nop())
	require.NoError(t, restored.Load())
	trades, _ := restored.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
}
