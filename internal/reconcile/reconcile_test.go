package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/ledger"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

type fixture struct {
	rec    *Reconciler
	mock   *exchange.MockClient
	store  *state.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{
		{Symbol: "XUSDT", BaseAsset: "X", QuoteAsset: "USDT", Status: "TRADING", TickSize: "0.001", LotSize: "0.1", MinNotional: "11"},
		{Symbol: "YUSDT", BaseAsset: "Y", QuoteAsset: "USDT", Status: "TRADING", TickSize: "0.001", LotSize: "0.1", MinNotional: "11"},
	}
	uni := universe.New(mock, universe.Config{QuoteCurrency: "USDT"}, zerolog.Nop())
	require.NoError(t, uni.Refresh(context.Background()))

	led, err := ledger.Open(filepath.Join(dir, "trades.jsonl"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	store := state.NewStore(filepath.Join(dir, "state.json"), zerolog.Nop())
	return &fixture{
		rec:    New(mock, store, led, uni, "USDT", zerolog.Nop()),
		mock:   mock,
		store:  store,
		ledger: led,
	}
}

func TestConsistentSystemIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 100}
	f.mock.Balances["X"] = exchange.Balance{Asset: "X", Free: 3}
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10,
			TakeProfit: 10.15, StopLoss: 9.5, OpenedAt: time.Now(),
		}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusOK, report.Status)
	assert.Empty(t, report.Issues)

	// Idempotent: a second pass finds nothing either.
	report = f.rec.Run(context.Background())
	assert.Equal(t, StatusOK, report.Status)
}

func TestCrashRecoveryRemovesLedgerClosedPosition(t *testing.T) {
	f := newFixture(t)
	// The sell made it to the ledger but the crash happened before state
	// was rewritten: position is still listed, live balance is gone.
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 130}
	require.NoError(t, f.ledger.Append(ledger.Record{
		ID: ledger.NewID(), Symbol: "XUSDT", Side: exchange.SideSell,
		Quantity: 3, Price: 10.15, Timestamp: time.Now().UTC(),
		Reason: state.ReasonTakeProfit, RealizedPnL: 0.4, Source: ledger.SourceActive,
	}))
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10.15,
		}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	snap := f.store.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 130.0, snap.Capital.Available)
	assert.Equal(t, snap.Capital.Total, snap.Capital.Available)
}

func TestShrunkenBalanceResyncsQuantity(t *testing.T) {
	f := newFixture(t)
	// Part of the holding was sold outside the agent's view; the remainder
	// is a real position, not dust. A close for the stored quantity would
	// fail with InsufficientBalance forever unless the quantity resyncs.
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 100}
	f.mock.Balances["X"] = exchange.Balance{Asset: "X", Free: 1.0}
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10,
			TakeProfit: 10.15, StopLoss: 9.5, OpenedAt: time.Now(),
		}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	assert.InDelta(t, 1.0, f.store.Snapshot().Positions["XUSDT"].Quantity, 1e-9)

	// With the balance matching, the next pass is clean again.
	report = f.rec.Run(context.Background())
	assert.Equal(t, StatusOK, report.Status)
}

func TestResyncFloorsToLotSize(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 100}
	f.mock.Balances["X"] = exchange.Balance{Asset: "X", Free: 1.17} // lot 0.1
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10,
			TakeProfit: 10.15, StopLoss: 9.5, OpenedAt: time.Now(),
		}
	})

	f.rec.Run(context.Background())
	assert.InDelta(t, 1.1, f.store.Snapshot().Positions["XUSDT"].Quantity, 1e-9)
}

func TestEntryReconstructionFromLedger(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["X"] = exchange.Balance{Asset: "X", Free: 3}
	require.NoError(t, f.ledger.Append(ledger.Record{
		ID: ledger.NewID(), Symbol: "XUSDT", Side: exchange.SideBuy,
		Quantity: 3, Price: 9.8, Fees: 0.03, Timestamp: time.Now().UTC(),
		Source: ledger.SourceActive,
	}))
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{Symbol: "XUSDT", Quantity: 3, CurrentPrice: 10}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	pos := f.store.Snapshot().Positions["XUSDT"]
	assert.Equal(t, 9.8, pos.EntryPrice)
	assert.Equal(t, 0.03, pos.EntryFee)
}

func TestAdoptsUntrackedHolding(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["Y"] = exchange.Balance{Asset: "Y", Free: 5}
	f.mock.SetTicker("YUSDT", 4, 1e6, 0)
	require.NoError(t, f.ledger.Append(ledger.Record{
		ID: ledger.NewID(), Symbol: "YUSDT", Side: exchange.SideBuy,
		Quantity: 5, Price: 3.9, Timestamp: time.Now().UTC(), Source: ledger.SourceActive,
	}))

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	pos := f.store.Snapshot().Positions["YUSDT"]
	assert.Equal(t, 5.0, pos.Quantity)
	assert.Equal(t, 3.9, pos.EntryPrice, "entry from ledger FIFO")
	assert.Equal(t, string(state.ReasonHistorySync), pos.Strategy)
}

func TestIgnoresDustAndUnknownAssets(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["Y"] = exchange.Balance{Asset: "Y", Free: 0.1} // $0.40 of Y
	f.mock.Balances["ZZZ"] = exchange.Balance{Asset: "ZZZ", Free: 1000}
	f.mock.SetTicker("YUSDT", 4, 1e6, 0)

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusOK, report.Status)
	assert.Empty(t, f.store.Snapshot().Positions)
}

func TestDropsPendingWithoutLiveOrder(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 100}
	f.store.Mutate(func(s *state.Snapshot) {
		s.PendingBuys["XUSDT"] = state.PendingBuy{Symbol: "XUSDT", OrderID: "9", Notional: 15}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	snap := f.store.Snapshot()
	assert.Empty(t, snap.PendingBuys)
	assert.Zero(t, snap.Capital.Locked, "reserved notional returned")
}

func TestAdoptsUntrackedOpenOrder(t *testing.T) {
	f := newFixture(t)
	f.mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 100}
	f.mock.Open = []exchange.Order{{
		ID: "77", Symbol: "XUSDT", Side: exchange.SideBuy, Type: exchange.TypeLimit,
		Quantity: 1.5, Price: 10, CreatedAt: time.Now(),
	}}

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	pb := f.store.Snapshot().PendingBuys["XUSDT"]
	assert.Equal(t, "77", pb.OrderID)
	assert.Equal(t, 15.0, pb.Notional)
}

func TestBalanceFetchFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.mock.BalancesErr = exchange.NewError(exchange.KindExchangeUnavailable, "get_balances", "", "503", nil)
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{Symbol: "XUSDT", Quantity: 3, EntryPrice: 10}
	})

	report := f.rec.Run(context.Background())
	assert.Equal(t, StatusCritical, report.Status)
	// Nothing was touched: the pass aborted before any repair.
	assert.Contains(t, f.store.Snapshot().Positions, "XUSDT")
}
