package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/execution"
	"spot-trading-agent/internal/learning"
	"spot-trading-agent/internal/ledger"
	"spot-trading-agent/internal/market"
	"spot-trading-agent/internal/monitor"
	"spot-trading-agent/internal/reconcile"
	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/risk"
	"spot-trading-agent/internal/scoring"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

type fixture struct {
	agent *Agent
	mock  *exchange.MockClient
	store *state.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	nop := zerolog.Nop()

	mock := exchange.NewMockClient()
	mock.Symbols = []exchange.SymbolRule{{
		Symbol: "XUSDT", BaseAsset: "X", QuoteAsset: "USDT", Status: "TRADING",
		TickSize: "0.001", LotSize: "0.1", MinNotional: "11",
	}}
	mock.Balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 200}
	mock.SetTicker("XUSDT", 10, 1_000_000, 0.01)

	uni := universe.New(mock, universe.Config{QuoteCurrency: "USDT"}, nop)
	require.NoError(t, uni.Refresh(context.Background()))

	led, err := ledger.Open(filepath.Join(dir, "trades.jsonl"), nop)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	store := state.NewStore(filepath.Join(dir, "state.json"), nop)
	memory := learning.NewMemory(filepath.Join(dir, "learning.json"), nop)
	riskMgr := risk.NewManager(risk.DefaultConfig(), nop)
	engine := execution.NewEngine(mock, uni, riskMgr, store, led, nil, nop)
	mon := monitor.New(mock, store, riskMgr, monitor.DefaultConfig(), nop)
	rec := reconcile.New(mock, store, led, uni, "USDT", nop)
	breaker := NewBreaker(5, 5, nop)

	cfg := DefaultConfig()
	cfg.ScanWorkers = 2
	agent := New(cfg, Deps{
		Client: mock, Universe: uni, Cache: market.NewCache(market.Config{}, nop),
		Detector: regime.NewDetector(nop), Scorer: scoring.NewScorer(memory, nop),
		Risk: riskMgr, Engine: engine, Monitor: mon, Reconciler: rec,
		Memory: memory, Store: store, Ledger: led, Breaker: breaker,
	}, nop)

	return &fixture{agent: agent, mock: mock, store: store}
}

func godOpp() scoring.Opportunity {
	return scoring.Opportunity{
		Symbol: "XUSDT", Composite: 96, Tier: scoring.TierGod,
		Entry: 10, ATRPct: 0.015, Volume24h: 1e6, Rationale: "technical_momentum",
	}
}

func TestDecideAndExecuteOpensPosition(t *testing.T) {
	f := newFixture(t)
	f.store.RecomputeCapital(200)

	f.agent.decideAndExecute(context.Background(), []scoring.Opportunity{godOpp()}, regime.Normal)

	snap := f.store.Snapshot()
	assert.Contains(t, snap.PendingBuys, "XUSDT")
	assert.Equal(t, state.ModeHunting, snap.Mode)
	assert.Equal(t, "NORMAL", snap.LastRegime)
	assert.Len(t, f.mock.Placed, 1)
}

func TestCircuitBreakerBlocksEntriesButNotExits(t *testing.T) {
	f := newFixture(t)
	f.store.RecomputeCapital(200)

	// Five losses totaling -$6 against a -$5 daily limit.
	f.store.Mutate(func(s *state.Snapshot) {
		s.Daily = state.DailyCounters{Day: "2026-08-26", Trades: 5, Losses: 5, RealizedPnL: -6}
	})

	f.agent.decideAndExecute(context.Background(), []scoring.Opportunity{godOpp()}, regime.Normal)

	snap := f.store.Snapshot()
	assert.Empty(t, snap.PendingBuys, "no new entries while tripped")
	assert.Equal(t, state.ModeObserving, snap.Mode)

	// Exits still run: a position through its stop gets closed.
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10,
			TakeProfit: 10.15, StopLoss: 9.5, HighWater: 10, OpenedAt: time.Now(),
			RegimeAtOpen: "NORMAL",
		}
	})
	f.mock.SetTicker("XUSDT", 9.2, 1e6, -0.08)
	f.agent.monitorPositions(context.Background(), nil)
	assert.Empty(t, f.store.Snapshot().Positions)
}

func TestMonitorFeedsLearningNextCycle(t *testing.T) {
	f := newFixture(t)
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{
			Symbol: "XUSDT", Quantity: 3, EntryPrice: 10, CurrentPrice: 10,
			TakeProfit: 10.15, StopLoss: 9.5, HighWater: 10, OpenedAt: time.Now(),
			RegimeAtOpen: "NORMAL",
		}
	})
	f.mock.SetTicker("XUSDT", 9.2, 1e6, -0.08)

	f.agent.monitorPositions(context.Background(), nil)
	require.Len(t, f.agent.pendingOutcomes, 1)
	assert.Equal(t, "STOP_LOSS", f.agent.pendingOutcomes[0].Strategy)

	for _, o := range f.agent.pendingOutcomes {
		f.agent.memory.Fold(o)
	}
	trades, winRate := f.agent.memory.Outcome("NORMAL", "STOP_LOSS")
	assert.Equal(t, 1, trades)
	assert.Zero(t, winRate)
}

type fakeMirror struct {
	saves []state.Snapshot
	err   error
}

func (m *fakeMirror) SaveSystemState(_ context.Context, snap state.Snapshot) error {
	m.saves = append(m.saves, snap)
	return m.err
}

func TestPersistMirrorsSystemState(t *testing.T) {
	f := newFixture(t)
	mirror := &fakeMirror{}
	f.agent.mirror = mirror
	f.store.Mutate(func(s *state.Snapshot) {
		s.Positions["XUSDT"] = state.Position{Symbol: "XUSDT", Quantity: 3, EntryPrice: 10}
	})

	f.agent.persist()
	require.Len(t, mirror.saves, 1)
	assert.Contains(t, mirror.saves[0].Positions, "XUSDT")

	// Mirror failures are logged, never escalated.
	mirror.err = assert.AnError
	f.agent.persist()
	assert.Len(t, mirror.saves, 2)
}

func TestReplayFoldsLedgerSellsAtBoot(t *testing.T) {
	f := newFixture(t)
	// Simulates a crash between a close and the next cycle's fold: the
	// sell made it into the ledger, the learning memory never saw it.
	require.NoError(t, f.agent.trades.Append(ledger.Record{
		ID: "t-lost", Symbol: "XUSDT", Side: exchange.SideSell,
		Quantity: 3, Price: 10.2, Timestamp: time.Now().UTC(),
		Reason: state.ReasonTakeProfit, RealizedPnL: 0.55,
		Source: ledger.SourceActive, Regime: "NORMAL",
	}))

	f.agent.replayClosedTrades()
	trades, winRate := f.agent.memory.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
	assert.InDelta(t, 1.0, winRate, 1e-9)

	// A second boot must not double count.
	f.agent.replayClosedTrades()
	trades, _ = f.agent.memory.Outcome("NORMAL", "TAKE_PROFIT")
	assert.Equal(t, 1, trades)
}

func TestMaxPositionLimit(t *testing.T) {
	f := newFixture(t)
	f.store.RecomputeCapital(200)
	f.store.Mutate(func(s *state.Snapshot) {
		for i := 0; i < 10; i++ {
			sym := string(rune('A'+i)) + "USDT"
			s.Positions[sym] = state.Position{Symbol: sym, Quantity: 1, EntryPrice: 10}
		}
	})

	f.agent.decideAndExecute(context.Background(), []scoring.Opportunity{godOpp()}, regime.Normal)
	assert.Empty(t, f.store.Snapshot().PendingBuys)
}

func TestFatalAfterTwoCriticalReconciliations(t *testing.T) {
	f := newFixture(t)
	f.mock.BalancesErr = exchange.NewError(exchange.KindExchangeUnavailable, "get_balances", "", "503", nil)

	err := f.agent.housekeeping(context.Background())
	require.NoError(t, err, "first critical is tolerated")

	f.agent.lastReconcile = time.Time{} // force the next pass to run
	err = f.agent.housekeeping(context.Background())
	assert.ErrorIs(t, err, ErrFatalReconciliation)
}

func TestBreakerStates(t *testing.T) {
	nop := zerolog.Nop()
	b := NewBreaker(5, 3, nop)

	ok, _ := b.CanTrade(state.DailyCounters{RealizedPnL: -4})
	assert.True(t, ok)

	ok, reason := b.CanTrade(state.DailyCounters{RealizedPnL: -5})
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")

	b.RecordTrade(-1)
	b.RecordTrade(-1)
	b.RecordTrade(-1)
	ok, reason = b.CanTrade(state.DailyCounters{})
	assert.False(t, ok)
	assert.Contains(t, reason, "streak")

	b.RecordTrade(2) // a win clears the streak
	ok, _ = b.CanTrade(state.DailyCounters{})
	assert.True(t, ok)

	b.NoteReport(reconcile.StatusCritical)
	ok, reason = b.CanTrade(state.DailyCounters{})
	assert.False(t, ok)
	assert.Contains(t, reason, "critical")

	b.NoteReport(reconcile.StatusOK)
	ok, _ = b.CanTrade(state.DailyCounters{})
	assert.True(t, ok)
}

func TestRunHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop on canceled context")
	}
}
