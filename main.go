package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"spot-trading-agent/config"
	"spot-trading-agent/internal/agent"
	"spot-trading-agent/internal/api"
	"spot-trading-agent/internal/durable"
	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/execution"
	"spot-trading-agent/internal/learning"
	"spot-trading-agent/internal/ledger"
	"spot-trading-agent/internal/logging"
	"spot-trading-agent/internal/market"
	"spot-trading-agent/internal/metrics"
	"spot-trading-agent/internal/monitor"
	"spot-trading-agent/internal/reconcile"
	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/risk"
	"spot-trading-agent/internal/scoring"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

const paperStartingBalance = 1000

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Error().Err(err).Msg("configuration invalid")
		return 1
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	if err := os.MkdirAll(cfg.StateConfig.DataDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("cannot create data directory")
		return 1
	}

	// One process per data directory; a second instance would corrupt state.
	lock, err := durable.AcquireLock(filepath.Join(cfg.StateConfig.DataDir, "agent.lock"))
	if err != nil {
		logger.Error().Err(err).Msg("another agent instance holds the lock")
		return 1
	}
	defer lock.Release()

	// SIGINT exits 130 for the operator at the terminal; SIGTERM is a clean
	// supervisor stop and exits 0. NotifyContext cannot tell them apart, so
	// the signal is captured alongside the cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var gotSignal atomic.Value
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		gotSignal.Store(sig)
		cancel()
	}()

	var client exchange.Client
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		APIKey:    cfg.ExchangeConfig.APIKey,
		SecretKey: cfg.ExchangeConfig.SecretKey,
		BaseURL:   cfg.ExchangeConfig.BaseURL,
	}, logger)
	if cfg.ExchangeConfig.PaperTrading {
		logger.Info().Msg("paper trading mode: orders are simulated")
		client = exchange.NewPaperClient(rest, cfg.ExchangeConfig.QuoteCurrency, paperStartingBalance, logger)
	} else {
		client = rest
	}

	ignoreSymbols := make(map[string]bool, len(cfg.AgentConfig.IgnoreSymbols))
	for _, s := range cfg.AgentConfig.IgnoreSymbols {
		ignoreSymbols[s] = true
	}
	uni := universe.New(client, universe.Config{
		QuoteCurrency: cfg.ExchangeConfig.QuoteCurrency,
		IgnoreSymbols: ignoreSymbols,
		CachePath:     filepath.Join(cfg.StateConfig.DataDir, "universe.json"),
	}, logger)

	cacheCfg := market.Config{}
	if cfg.RedisConfig.Enabled {
		cacheCfg.RedisAddr = cfg.RedisConfig.Address
		cacheCfg.RedisDB = cfg.RedisConfig.DB
	}
	cache := market.NewCache(cacheCfg, logger)
	defer cache.Close()

	led, err := ledger.Open(filepath.Join(cfg.StateConfig.DataDir, "trades.jsonl"), logger)
	if err != nil {
		logger.Error().Err(err).Msg("cannot open trade ledger")
		return 1
	}
	defer led.Close()

	var mirror *ledger.TradeStore
	if cfg.DatabaseConfig.Enabled {
		mirror, err = ledger.NewTradeStore(ctx, cfg.DatabaseConfig.URL, logger)
		if err != nil {
			// The file ledger is authoritative; run degraded without the mirror.
			logger.Warn().Err(err).Msg("postgres mirror unavailable, continuing without it")
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	store := state.NewStore(filepath.Join(cfg.StateConfig.DataDir, "state.json"), logger)
	if err := store.Load(); err != nil {
		logger.Error().Err(err).Msg("cannot load agent state")
		return 1
	}

	memory := learning.NewMemory(filepath.Join(cfg.StateConfig.DataDir, "learning.json"), logger)
	if err := memory.Load(); err != nil {
		logger.Error().Err(err).Msg("cannot load learning memory")
		return 1
	}

	riskCfg := risk.DefaultConfig()
	riskCfg.MinPerTrade = cfg.RiskConfig.MinCapitalPerTrade
	riskCfg.MaxPerTrade = cfg.RiskConfig.MaxCapitalPerTrade
	if cfg.RiskConfig.StopLossPct > 0 {
		riskCfg.StopLossOverride = cfg.RiskConfig.StopLossPct
	}
	if cfg.RiskConfig.TakeProfitPct > 0 {
		riskCfg.TakeProfitOverride = cfg.RiskConfig.TakeProfitPct
	}
	riskMgr := risk.NewManager(riskCfg, logger)

	engine := execution.NewEngine(client, uni, riskMgr, store, led, mirror, logger)
	mon := monitor.New(client, store, riskMgr, monitor.DefaultConfig(), logger)
	rec := reconcile.New(client, store, led, uni, cfg.ExchangeConfig.QuoteCurrency, logger)
	breaker := agent.NewBreaker(cfg.RiskConfig.DailyLossLimit, cfg.RiskConfig.MaxConsecutiveLosses, logger)
	recorder := metrics.NewRecorder()

	agentCfg := agent.DefaultConfig()
	agentCfg.CycleInterval = cfg.ScanInterval()
	agentCfg.MaxPositions = cfg.AgentConfig.MaxTotalPositions
	agentCfg.ScanWorkers = cfg.AgentConfig.ScanWorkers
	agentCfg.MaxScanCandidates = cfg.AgentConfig.MaxScanCandidates
	agentCfg.ReconcileEvery = time.Duration(cfg.AgentConfig.ReconcileMinutes) * time.Minute
	agentCfg.UniverseRefresh = time.Duration(cfg.AgentConfig.UniverseRefreshMin) * time.Minute
	agentCfg.QuoteCurrency = cfg.ExchangeConfig.QuoteCurrency

	scorer := scoring.NewScorer(memory, logger)
	scorer.SetSignalTTL(time.Duration(cfg.AgentConfig.SignalTTLSeconds) * time.Second)

	agentDeps := agent.Deps{
		Client:     client,
		Universe:   uni,
		Cache:      cache,
		Detector:   regime.NewDetector(logger),
		Scorer:     scorer,
		Risk:       riskMgr,
		Engine:     engine,
		Monitor:    mon,
		Reconciler: rec,
		Memory:     memory,
		Store:      store,
		Ledger:     led,
		Breaker:    breaker,
		Observer:   recorder,
	}
	if mirror != nil {
		agentDeps.Mirror = mirror
	}
	trader := agent.New(agentCfg, agentDeps, logger)

	// Live ticker pushes keep the cache warm between cycle-level REST batches.
	stream := exchange.NewTickerStream(cfg.ExchangeConfig.WSURL, cache.PutTicker, logger)
	stream.Start()
	defer stream.Stop()

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.ServerConfig.ProductionMode,
		}, store, uni, recorder.Registry(), trader.LastReport, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	err = trader.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		server.Shutdown(shutdownCtx)
		cancel()
	}

	switch {
	case errors.Is(err, agent.ErrFatalReconciliation):
		logger.Error().Msg("stopping: reconciliation cannot restore a consistent view")
	case err != nil:
		logger.Error().Err(err).Msg("agent stopped with error")
	default:
		logger.Info().Msg("shutdown complete")
	}
	sig, _ := gotSignal.Load().(os.Signal)
	return exitCode(err, sig)
}

// exitCode maps the termination cause to the process exit status: 2 for a
// fatal reconciliation, 1 for any other error, 130 for an operator
// interrupt, 0 for a clean stop including a supervisor SIGTERM.
func exitCode(err error, sig os.Signal) int {
	switch {
	case errors.Is(err, agent.ErrFatalReconciliation):
		return 2
	case err != nil:
		return 1
	case sig == syscall.SIGINT:
		return 130
	}
	return 0
}
