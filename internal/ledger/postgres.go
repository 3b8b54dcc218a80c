package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"spot-trading-agent/internal/state"
)

// TradeStore mirrors the ledger into PostgreSQL for querying and dashboards.
// The JSONL ledger stays authoritative; every write here is best-effort and
// a failure never blocks trading.
type TradeStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewTradeStore connects a pool against dsn and ensures the schema exists.
func NewTradeStore(ctx context.Context, dsn string, logger zerolog.Logger) (*TradeStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse trade store dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create trade store pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping trade store: %w", err)
	}

	ts := &TradeStore{pool: pool, logger: logger.With().Str("component", "trade_store").Logger()}
	if err := ts.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return ts, nil
}

func (s *TradeStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reason VARCHAR(20),
			realized_pnl DECIMAL(20, 8),
			source VARCHAR(16) NOT NULL,
			regime VARCHAR(16),
			executed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(20) PRIMARY KEY,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8),
			stop_loss DECIMAL(20, 8),
			regime_at_open VARCHAR(16),
			strategy VARCHAR(40),
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			snapshot JSONB NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("trade store migration: %w", err)
		}
	}
	return nil
}

// InsertTrade records one ledger entry. Conflicting ids are ignored so
// replays after a crash stay idempotent.
func (s *TradeStore) InsertTrade(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO trades (id, symbol, side, quantity, price, fees, reason, realized_pnl, source, regime, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, rec.Fees,
		string(rec.Reason), rec.RealizedPnL, string(rec.Source), rec.Regime, rec.Timestamp,
	)
	return err
}

// UpsertPosition mirrors an open position.
func (s *TradeStore) UpsertPosition(ctx context.Context, p state.Position) error {
	query := `
		INSERT INTO positions (symbol, quantity, entry_price, take_profit, stop_loss, regime_at_open, strategy, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			take_profit = EXCLUDED.take_profit,
			stop_loss = EXCLUDED.stop_loss,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		p.Symbol, p.Quantity, p.EntryPrice, p.TakeProfit, p.StopLoss,
		p.RegimeAtOpen, p.Strategy, p.OpenedAt,
	)
	return err
}

// DeletePosition removes a closed position's mirror row.
func (s *TradeStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	return err
}

// SaveSystemState mirrors the full state snapshot as JSONB.
func (s *TradeStore) SaveSystemState(ctx context.Context, snap state.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO system_state (id, snapshot, version, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			version = EXCLUDED.version,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, payload, snap.Version)
	return err
}

// HealthCheck pings the pool.
func (s *TradeStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *TradeStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
