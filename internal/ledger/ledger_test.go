package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/state"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func buy(symbol string, qty, price float64) Record {
	return Record{
		ID: NewID(), Symbol: symbol, Side: exchange.SideBuy,
		Quantity: qty, Price: price, Fees: qty * price * 0.001,
		Timestamp: time.Now().UTC(), Source: SourceActive,
	}
}

func sell(symbol string, qty, price, pnl float64, reason state.CloseReason) Record {
	return Record{
		ID: NewID(), Symbol: symbol, Side: exchange.SideSell,
		Quantity: qty, Price: price, Fees: qty * price * 0.001,
		Timestamp: time.Now().UTC(), Reason: reason, RealizedPnL: pnl,
		Source: SourceActive, Regime: "NORMAL",
	}
}

func TestAppendLoadRoundTrip(t *testing.T) {
	l, _ := openTestLedger(t)

	b := buy("BTCUSDT", 0.001, 50000)
	s := sell("BTCUSDT", 0.001, 51000, 0.9, state.ReasonTakeProfit)
	require.NoError(t, l.Append(b))
	require.NoError(t, l.Append(s))

	records, err := l.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, b.ID, records[0].ID)
	assert.Equal(t, state.ReasonTakeProfit, records[1].Reason)
	assert.Equal(t, 0.9, records[1].RealizedPnL)
}

func TestAppendRequiresID(t *testing.T) {
	l, _ := openTestLedger(t)
	err := l.Append(Record{Symbol: "BTCUSDT"})
	assert.Error(t, err)
}

func TestLoadSkipsTruncatedTail(t *testing.T) {
	l, path := openTestLedger(t)
	require.NoError(t, l.Append(buy("ETHUSDT", 1, 2000)))

	// Simulate a crash mid-append: a partial JSON line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"half-written","sym`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := l.Load()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLastBuy(t *testing.T) {
	records := []Record{
		buy("BTCUSDT", 1, 100),
		buy("ETHUSDT", 1, 2000),
		buy("BTCUSDT", 1, 110),
		sell("BTCUSDT", 1, 120, 10, state.ReasonTakeProfit),
	}

	rec, ok := LastBuy(records, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 110.0, rec.Price)

	_, ok = LastBuy(records, "SOLUSDT")
	assert.False(t, ok)
}

func TestUnmatchedBuyQuantity(t *testing.T) {
	records := []Record{
		buy("BTCUSDT", 2, 100),
		sell("BTCUSDT", 0.5, 110, 5, state.ReasonRecycleProfit),
		buy("BTCUSDT", 1, 105),
	}
	assert.InDelta(t, 2.5, UnmatchedBuyQuantity(records, "BTCUSDT"), 1e-9)
	assert.Zero(t, UnmatchedBuyQuantity(records, "ETHUSDT"))
}
