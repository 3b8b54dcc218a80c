// Package agent is the cooperative scheduler that drives discovery, scoring,
// execution, monitoring and reconciliation in a fixed order each cycle.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

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
	"spot-trading-agent/internal/signals"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

// ErrFatalReconciliation is returned by Run after two consecutive CRITICAL
// reconciliation reports; the supervisor should restart the process.
var ErrFatalReconciliation = errors.New("two consecutive critical reconciliation reports")

// Config tunes the loop cadence and admission limits.
type Config struct {
	CycleInterval     time.Duration // nominal, regime stretches it 3-30s
	PhaseBudget       time.Duration // hard cap per IO-heavy phase
	ReconcileEvery    time.Duration
	UniverseRefresh   time.Duration
	MaxPositions      int
	ScanWorkers       int
	MaxScanCandidates int
	QuoteCurrency     string
}

func DefaultConfig() Config {
	return Config{
		CycleInterval:     10 * time.Second,
		PhaseBudget:       60 * time.Second,
		ReconcileEvery:    5 * time.Minute,
		UniverseRefresh:   time.Hour,
		MaxPositions:      10,
		ScanWorkers:       8,
		MaxScanCandidates: 100,
		QuoteCurrency:     "USDT",
	}
}

// Observer receives per-cycle facts; the metrics package implements it.
type Observer interface {
	CycleCompleted(d time.Duration, reg regime.Regime)
	TradeClosed(reason state.CloseReason, pnl float64)
	PositionCount(open, pending int)
	ReconcileResult(status reconcile.Status)
}

// StateMirror receives the full snapshot each persist phase. The ledger's
// postgres trade store implements it; writes are best-effort and a failure
// never blocks trading.
type StateMirror interface {
	SaveSystemState(ctx context.Context, snap state.Snapshot) error
}

// Agent wires the components and runs the cycle loop.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	client     exchange.Client
	uni        *universe.Universe
	cache      *market.Cache
	detector   *regime.Detector
	scorer     *scoring.Scorer
	riskMgr    *risk.Manager
	engine     *execution.Engine
	monitor    *monitor.Monitor
	reconciler *reconcile.Reconciler
	memory     *learning.Memory
	store      *state.Store
	trades     *ledger.Ledger
	mirror     StateMirror
	breaker    *Breaker
	observer   Observer

	technical    signals.Fetcher
	multiframe   signals.Fetcher
	sentiment    signals.Fetcher
	intelligence signals.Fetcher
	volume       signals.Fetcher

	lastReconcile    time.Time
	lastRefresh      time.Time
	consecCritical   int
	reconcileNow     bool
	lastReportStatus reconcile.Status
	pendingOutcomes  []learning.Outcome

	reportMu   sync.Mutex
	lastReport reconcile.Report
}

// LastReport returns the most recent reconciliation report. Safe to call
// from other goroutines, the API server reads it.
func (a *Agent) LastReport() reconcile.Report {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	return a.lastReport
}

// Deps bundles the constructor arguments.
type Deps struct {
	Client     exchange.Client
	Universe   *universe.Universe
	Cache      *market.Cache
	Detector   *regime.Detector
	Scorer     *scoring.Scorer
	Risk       *risk.Manager
	Engine     *execution.Engine
	Monitor    *monitor.Monitor
	Reconciler *reconcile.Reconciler
	Memory     *learning.Memory
	Store      *state.Store
	Ledger     *ledger.Ledger
	Mirror     StateMirror
	Breaker    *Breaker
	Observer   Observer

	Sentiment    signals.Fetcher
	Intelligence signals.Fetcher
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Agent {
	a := &Agent{
		cfg:              cfg,
		logger:           logger.With().Str("component", "agent").Logger(),
		client:           deps.Client,
		uni:              deps.Universe,
		cache:            deps.Cache,
		detector:         deps.Detector,
		scorer:           deps.Scorer,
		riskMgr:          deps.Risk,
		engine:           deps.Engine,
		monitor:          deps.Monitor,
		reconciler:       deps.Reconciler,
		memory:           deps.Memory,
		store:            deps.Store,
		trades:           deps.Ledger,
		mirror:           deps.Mirror,
		breaker:          deps.Breaker,
		observer:         deps.Observer,
		technical:        signals.NewTechnicalFetcher(),
		multiframe:       signals.NewMultiFrameFetcher(),
		sentiment:        deps.Sentiment,
		intelligence:     deps.Intelligence,
		volume:           signals.NewVolumeFetcher(),
		lastReportStatus: reconcile.StatusOK,
	}
	if a.sentiment == nil {
		a.sentiment = signals.NewSentimentFetcher()
	}
	if a.intelligence == nil {
		a.intelligence = signals.NewIntelligenceFetcher(nil, nil)
	}
	return a
}

// Run drives cycles until ctx is canceled or a fatal condition surfaces.
// Cancellation is honored at phase boundaries; the final persist always
// runs before return.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Msg("agent starting")
	a.replayClosedTrades()
	for {
		if ctx.Err() != nil {
			return a.shutdown()
		}
		started := time.Now()

		reg, err := a.runCycle(ctx)
		if err != nil {
			if errors.Is(err, ErrFatalReconciliation) {
				a.persist()
				return err
			}
			if ctx.Err() != nil {
				return a.shutdown()
			}
			a.logger.Error().Err(err).Msg("cycle failed, continuing")
		}

		elapsed := time.Since(started)
		if a.observer != nil {
			a.observer.CycleCompleted(elapsed, reg)
		}

		interval := regime.CycleInterval(reg, a.cfg.CycleInterval)
		if sleep := interval - elapsed; sleep > 0 {
			select {
			case <-ctx.Done():
				return a.shutdown()
			case <-time.After(sleep):
			}
		}
	}
}

func (a *Agent) shutdown() error {
	a.logger.Info().Msg("agent stopping, persisting state")
	a.persist()
	return nil
}

func (a *Agent) runCycle(ctx context.Context) (regime.Regime, error) {
	// Housekeeping.
	phaseCtx, cancel := context.WithTimeout(ctx, a.cfg.PhaseBudget)
	err := a.housekeeping(phaseCtx)
	cancel()
	if err != nil {
		return a.detector.Current(), err
	}

	// Awareness.
	phaseCtx, cancel = context.WithTimeout(ctx, a.cfg.PhaseBudget)
	tickers, err := a.awareness(phaseCtx)
	cancel()
	if err != nil {
		return a.detector.Current(), err
	}

	// Learning: fold closes recorded in the previous cycle.
	for _, o := range a.pendingOutcomes {
		a.memory.Fold(o)
	}
	a.pendingOutcomes = a.pendingOutcomes[:0]

	// Detection.
	reg := a.detector.Update(tickers)

	// Scan.
	phaseCtx, cancel = context.WithTimeout(ctx, a.cfg.PhaseBudget)
	inputs := a.scanSymbols(phaseCtx, a.candidates(tickers), indexTickers(tickers))
	cancel()

	// Score.
	opps := a.scorer.Score(inputs, reg)
	scoreBySymbol := make(map[string]float64, len(opps))
	for _, o := range opps {
		scoreBySymbol[o.Symbol] = o.Composite
	}

	// Decide + Execute.
	phaseCtx, cancel = context.WithTimeout(ctx, a.cfg.PhaseBudget)
	a.decideAndExecute(phaseCtx, opps, reg)
	cancel()

	// Monitor.
	phaseCtx, cancel = context.WithTimeout(ctx, a.cfg.PhaseBudget)
	a.monitorPositions(phaseCtx, scoreBySymbol)
	cancel()

	// Persist.
	a.persist()
	a.memory.BumpCycles()

	if a.observer != nil {
		snap := a.store.Snapshot()
		a.observer.PositionCount(len(snap.Positions), len(snap.PendingBuys))
	}
	return reg, nil
}

func (a *Agent) housekeeping(ctx context.Context) error {
	now := time.Now()

	prevDay := a.store.Snapshot().Daily.Day
	a.store.RollDay(now)
	if day := a.store.Snapshot().Daily.Day; day != prevDay && prevDay != "" {
		a.breaker.ResetDay()
	}

	if a.reconcileNow || a.lastReconcile.IsZero() || now.Sub(a.lastReconcile) >= a.cfg.ReconcileEvery {
		report := a.reconciler.Run(ctx)
		a.lastReconcile = now
		a.reconcileNow = false
		a.lastReportStatus = report.Status
		a.reportMu.Lock()
		a.lastReport = report
		a.reportMu.Unlock()
		a.breaker.NoteReport(report.Status)
		if a.observer != nil {
			a.observer.ReconcileResult(report.Status)
		}
		if report.Status == reconcile.StatusCritical {
			a.consecCritical++
			if a.consecCritical >= 2 {
				return ErrFatalReconciliation
			}
		} else {
			a.consecCritical = 0
		}
	}

	if a.lastRefresh.IsZero() || now.Sub(a.lastRefresh) >= a.cfg.UniverseRefresh {
		if err := a.uni.Refresh(ctx); err == nil {
			a.lastRefresh = now
		}
	}

	a.engine.CancelStalePending(ctx)
	return nil
}

// awareness refreshes balances, promotes filled entries and returns the
// batched ticker snapshot used by detection and scanning.
func (a *Agent) awareness(ctx context.Context) ([]exchange.Ticker, error) {
	if err := a.engine.PromoteFilled(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("pending promotion failed")
	}

	balances, err := a.client.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	a.store.RecomputeCapital(balances[a.cfg.QuoteCurrency].Free)

	tickers, err := a.client.GetTickers(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tickers {
		a.cache.PutTicker(t)
	}
	return tickers, nil
}

// candidates picks the scan set: universe symbols ranked by 24h volume,
// capped to keep the fan-out bounded.
func (a *Agent) candidates(tickers []exchange.Ticker) []string {
	eligible := make(map[string]bool, a.uni.Size())
	for _, s := range a.uni.All() {
		eligible[s] = true
	}
	sorted := make([]exchange.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if eligible[t.Symbol] {
			sorted = append(sorted, t)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Volume24h > sorted[j].Volume24h })
	if len(sorted) > a.cfg.MaxScanCandidates {
		sorted = sorted[:a.cfg.MaxScanCandidates]
	}
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = t.Symbol
	}
	return out
}

func (a *Agent) decideAndExecute(ctx context.Context, opps []scoring.Opportunity, reg regime.Regime) {
	snap := a.store.Snapshot()
	canTrade, blockReason := a.breaker.CanTrade(snap.Daily)

	mode := state.ModeHunting
	switch {
	case !canTrade:
		mode = state.ModeObserving
	case a.uni.Degraded() || a.lastReportStatus != reconcile.StatusOK:
		mode = state.ModeCautious
	}
	a.store.Mutate(func(s *state.Snapshot) {
		s.Mode = mode
		s.LastRegime = string(reg)
	})

	if !canTrade {
		a.logger.Info().Str("reason", blockReason).Msg("circuit breaker open, close-only mode")
		return
	}

	slots := a.cfg.MaxPositions - len(snap.Positions) - len(snap.PendingBuys)
	if slots <= 0 {
		return
	}

	available := snap.Capital.Available
	if mode == state.ModeCautious {
		available /= 2
	}

	for _, opp := range opps {
		if slots == 0 {
			break
		}
		if ctx.Err() != nil {
			return
		}
		plan, err := a.riskMgr.Plan(opp, reg, available)
		if err != nil {
			if errors.Is(err, risk.ErrNoEntries) || errors.Is(err, risk.ErrInsufficientCapital) {
				return // nothing later in the list will fare better
			}
			continue
		}
		_, err = a.engine.Open(ctx, execution.Entry{
			Plan:     plan,
			Regime:   string(reg),
			Strategy: opp.Rationale,
		})
		switch {
		case err == nil:
			slots--
			available -= plan.Notional
		case errors.Is(err, execution.ErrDuplicateInFlight),
			errors.Is(err, execution.ErrBelowMinimum),
			errors.Is(err, execution.ErrMicroProfit):
			// Expected rejections; next candidate.
		case exchange.IsKind(err, exchange.KindPriceIncrementInvalid):
			a.logger.Warn().Str("symbol", opp.Symbol).Msg("rule drift detected, forcing refresh")
			if rerr := a.uni.Refresh(ctx); rerr == nil {
				a.lastRefresh = time.Now()
			}
		case exchange.IsKind(err, exchange.KindUnknownSymbol):
			a.uni.Remove(opp.Symbol)
		case exchange.IsKind(err, exchange.KindRateLimited):
			a.logger.Warn().Str("symbol", opp.Symbol).Msg("rate limited during entry, stopping this cycle")
			return
		default:
			a.logger.Error().Err(err).Str("symbol", opp.Symbol).Msg("entry failed")
		}
	}
}

func (a *Agent) monitorPositions(ctx context.Context, scores map[string]float64) {
	requests, quarantined, err := a.monitor.Evaluate(ctx, scores)
	if err != nil {
		a.logger.Warn().Err(err).Msg("position evaluation failed")
		return
	}
	if quarantined {
		a.reconcileNow = true
	}
	for _, req := range requests {
		if ctx.Err() != nil {
			return
		}
		rec, err := a.engine.Close(ctx, req.Position, req.Reason)
		if err != nil {
			if errors.Is(err, execution.ErrReconcileNeeded) {
				a.reconcileNow = true
			}
			a.logger.Error().Err(err).Str("symbol", req.Position.Symbol).Msg("close failed")
			continue
		}
		a.breaker.RecordTrade(rec.RealizedPnL)
		if a.observer != nil {
			a.observer.TradeClosed(req.Reason, rec.RealizedPnL)
		}
		a.pendingOutcomes = append(a.pendingOutcomes, learning.Outcome{
			TradeID:     rec.ID,
			Symbol:      rec.Symbol,
			Regime:      req.Position.RegimeAtOpen,
			Strategy:    string(req.Reason),
			RealizedPnL: rec.RealizedPnL,
			ClosedAt:    rec.Timestamp,
		})
	}
}

// replayClosedTrades folds ledger sells the memory has not seen yet. A crash
// between a close and the next cycle's fold loses pendingOutcomes; the ledger
// entry survives, and Fold dedupes by trade id, so replaying at boot is safe.
func (a *Agent) replayClosedTrades() {
	if a.trades == nil {
		return
	}
	records, err := a.trades.Load()
	if err != nil {
		a.logger.Error().Err(err).Msg("ledger replay failed")
		return
	}
	replayed := 0
	for _, rec := range records {
		if rec.Side != exchange.SideSell || rec.Reason == "" {
			continue
		}
		if a.memory.Seen(rec.ID) {
			continue
		}
		a.memory.Fold(learning.Outcome{
			TradeID:     rec.ID,
			Symbol:      rec.Symbol,
			Regime:      rec.Regime,
			Strategy:    string(rec.Reason),
			RealizedPnL: rec.RealizedPnL,
			ClosedAt:    rec.Timestamp,
		})
		replayed++
	}
	if replayed > 0 {
		a.logger.Warn().Int("trades", replayed).Msg("replayed unrecorded closes from ledger")
	}
}

func (a *Agent) persist() {
	if err := a.store.Persist(); err != nil {
		a.logger.Error().Err(err).Msg("state persist failed")
	}
	if err := a.memory.Persist(); err != nil {
		a.logger.Error().Err(err).Msg("learning persist failed")
	}
	if a.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mirror.SaveSystemState(ctx, a.store.Snapshot()); err != nil {
			a.logger.Warn().Err(err).Msg("system state mirror write failed")
		}
	}
}

func indexTickers(tickers []exchange.Ticker) map[string]exchange.Ticker {
	out := make(map[string]exchange.Ticker, len(tickers))
	for _, t := range tickers {
		out[t.Symbol] = t
	}
	return out
}
