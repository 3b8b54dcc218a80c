// Package market caches ticker and candle data between exchange polls.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spot-trading-agent/internal/exchange"
)

// Cache is a two-tier market-data cache: a process-local map serves every
// read, and an optional Redis mirror survives restarts so a fresh process
// does not start a cycle with an empty ticker view. Redis being down only
// costs the warm start, never a cycle.
type Cache struct {
	tickerTTL time.Duration
	candleTTL time.Duration

	tickers sync.Map // symbol -> cachedTicker
	candles sync.Map // "symbol/timeframe" -> cachedCandles

	rdb    *redis.Client
	logger zerolog.Logger
}

type cachedTicker struct {
	ticker    exchange.Ticker
	updatedAt time.Time
}

type cachedCandles struct {
	candles   []exchange.Candle
	updatedAt time.Time
}

// Config holds cache construction parameters.
type Config struct {
	TickerTTL time.Duration // default 30s
	CandleTTL time.Duration // default 60s
	RedisAddr string        // empty disables the Redis mirror
	RedisDB   int
}

// NewCache builds the cache; the Redis mirror is attached when an address is
// configured.
func NewCache(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.TickerTTL <= 0 {
		cfg.TickerTTL = 30 * time.Second
	}
	if cfg.CandleTTL <= 0 {
		cfg.CandleTTL = time.Minute
	}
	c := &Cache{
		tickerTTL: cfg.TickerTTL,
		candleTTL: cfg.CandleTTL,
		logger:    logger.With().Str("component", "market_cache").Logger(),
	}
	if cfg.RedisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	return c
}

// PutTicker stores a ticker in both tiers.
func (c *Cache) PutTicker(t exchange.Ticker) {
	c.tickers.Store(t.Symbol, cachedTicker{ticker: t, updatedAt: time.Now()})
	if c.rdb != nil {
		if payload, err := json.Marshal(t); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := c.rdb.Set(ctx, tickerKey(t.Symbol), payload, c.tickerTTL).Err(); err != nil {
				c.logger.Debug().Err(err).Msg("redis ticker mirror write failed")
			}
		}
	}
}

// Ticker returns a fresh cached ticker, falling through to Redis, or nil.
func (c *Cache) Ticker(symbol string) *exchange.Ticker {
	if val, ok := c.tickers.Load(symbol); ok {
		cached := val.(cachedTicker)
		if time.Since(cached.updatedAt) < c.tickerTTL {
			t := cached.ticker
			return &t
		}
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		payload, err := c.rdb.Get(ctx, tickerKey(symbol)).Bytes()
		if err == nil {
			var t exchange.Ticker
			if json.Unmarshal(payload, &t) == nil {
				c.tickers.Store(symbol, cachedTicker{ticker: t, updatedAt: t.RetrievedAt})
				return &t
			}
		} else if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("redis ticker read failed")
		}
	}
	return nil
}

// PutCandles stores a candle series for a symbol/timeframe.
func (c *Cache) PutCandles(symbol, timeframe string, candles []exchange.Candle) {
	c.candles.Store(candleKey(symbol, timeframe), cachedCandles{candles: candles, updatedAt: time.Now()})
}

// CandleSeries returns a fresh cached series or nil.
func (c *Cache) CandleSeries(symbol, timeframe string) []exchange.Candle {
	if val, ok := c.candles.Load(candleKey(symbol, timeframe)); ok {
		cached := val.(cachedCandles)
		if time.Since(cached.updatedAt) < c.candleTTL {
			return cached.candles
		}
	}
	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func tickerKey(symbol string) string { return "mkt:ticker:" + symbol }

func candleKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s/%s", symbol, timeframe)
}
