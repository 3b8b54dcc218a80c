package universe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-agent/internal/exchange"
)

func testRule(symbol, base string) exchange.SymbolRule {
	return exchange.SymbolRule{
		Symbol: symbol, BaseAsset: base, QuoteAsset: "USDT", Status: "TRADING",
		TickSize: "0.001", LotSize: "0.1", MinNotional: "11",
	}
}

func newTestUniverse(t *testing.T, mock *exchange.MockClient) *Universe {
	t.Helper()
	return New(mock, Config{
		QuoteCurrency: "USDT",
		CachePath:     filepath.Join(t.TempDir(), "rules.json"),
	}, zerolog.Nop())
}

func TestRefreshFiltersIneligibleSymbols(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{
		testRule("BTCUSDT", "BTC"),
		testRule("USDCUSDT", "USDC"), // stablecoin base
		testRule("1000USDT", "1000"), // numeric base
		{Symbol: "ETHBTC", BaseAsset: "ETH", QuoteAsset: "BTC", Status: "TRADING", TickSize: "0.00001", LotSize: "0.001", MinNotional: "0.0001"},
		{Symbol: "LUNAUSDT", BaseAsset: "LUNA", QuoteAsset: "USDT", Status: "BREAK", TickSize: "0.01", LotSize: "1", MinNotional: "11"},
	}

	u := newTestUniverse(t, mock)
	require.NoError(t, u.Refresh(context.Background()))

	assert.Equal(t, []string{"BTCUSDT"}, u.All())
	assert.False(t, u.Degraded())
}

func TestRefreshPreservesIncrementsOnPartialPayload(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{testRule("BTCUSDT", "BTC")}

	u := newTestUniverse(t, mock)
	require.NoError(t, u.Refresh(context.Background()))

	// Second refresh drops the tick size from the payload.
	partial := testRule("BTCUSDT", "BTC")
	partial.TickSize = ""
	mock.Symbols = []exchange.SymbolRule{partial}
	require.NoError(t, u.Refresh(context.Background()))

	rule, err := u.Rules("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "0.001", rule.Tick.String())
	assert.Equal(t, "0.1", rule.Lot.String())
}

func TestRefreshFailureRetainsPreviousRules(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{testRule("BTCUSDT", "BTC")}

	u := newTestUniverse(t, mock)
	require.NoError(t, u.Refresh(context.Background()))

	mock.SymbolsErr = errors.New("503")
	require.Error(t, u.Refresh(context.Background()))

	assert.True(t, u.Degraded())
	_, err := u.Rules("BTCUSDT")
	assert.NoError(t, err)
}

func TestUnknownSymbolError(t *testing.T) {
	u := newTestUniverse(t, exchange.NewMockClient())
	_, err := u.Rules("DOGEUSDT")
	assert.True(t, exchange.IsKind(err, exchange.KindUnknownSymbol))
}

func TestRuleCacheSurvivesRestart(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{testRule("BTCUSDT", "BTC"), testRule("ETHUSDT", "ETH")}

	dir := t.TempDir()
	cfg := Config{QuoteCurrency: "USDT", CachePath: filepath.Join(dir, "rules.json")}
	u := New(mock, cfg, zerolog.Nop())
	require.NoError(t, u.Refresh(context.Background()))

	// Fresh instance, no network refresh: rules come from the cache file.
	u2 := New(exchange.NewMockClient(), cfg, zerolog.Nop())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, u2.All())
	rule, err := u2.Rules("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "11", rule.MinNotional.String())
}

func TestRemove(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{testRule("BTCUSDT", "BTC")}
	u := newTestUniverse(t, mock)
	require.NoError(t, u.Refresh(context.Background()))

	u.Remove("BTCUSDT")
	assert.Zero(t, u.Size())
}
