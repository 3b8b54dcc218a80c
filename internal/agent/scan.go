package agent

import (
	"context"
	"sync"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/scoring"
	"spot-trading-agent/internal/signals"
)

// scanTimeframes are fetched per candidate to feed the fetchers.
var scanTimeframes = []string{"1m", "5m", "15m", "1h"}

// candleHistory is how many bars each timeframe pulls.
const candleHistory = 120

// scanSymbols fans candidate symbols out to a bounded worker pool, builds
// each symbol's market context and signal set, and joins before returning.
// Workers only do exchange IO and pure computation; no shared state.
func (a *Agent) scanSymbols(ctx context.Context, symbols []string, tickers map[string]exchange.Ticker) []scoring.Input {
	if len(symbols) == 0 {
		return nil
	}

	symbolChan := make(chan string, len(symbols))
	results := make(chan scoring.Input, len(symbols))

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.ScanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbolChan {
				if ctx.Err() != nil {
					return
				}
				if in, ok := a.scanOne(ctx, symbol, tickers[symbol]); ok {
					results <- in
				}
			}
		}()
	}

	for _, s := range symbols {
		symbolChan <- s
	}
	close(symbolChan)
	wg.Wait()
	close(results)

	inputs := make([]scoring.Input, 0, len(symbols))
	for in := range results {
		inputs = append(inputs, in)
	}
	return inputs
}

func (a *Agent) scanOne(ctx context.Context, symbol string, ticker exchange.Ticker) (scoring.Input, bool) {
	mctx := signals.Context{
		Ticker:  &ticker,
		Candles: make(map[string][]exchange.Candle, len(scanTimeframes)),
	}
	for _, tf := range scanTimeframes {
		if cached := a.cache.CandleSeries(symbol, tf); cached != nil {
			mctx.Candles[tf] = cached
			continue
		}
		candles, err := a.client.GetCandles(ctx, symbol, tf, candleHistory)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("candle fetch failed")
			continue
		}
		a.cache.PutCandles(symbol, tf, candles)
		mctx.Candles[tf] = candles
	}

	set := signals.Set{
		Symbol:       symbol,
		Technical:    a.technical.Score(symbol, mctx),
		MultiFrame:   a.multiframe.Score(symbol, mctx),
		Sentiment:    a.sentiment.Score(symbol, mctx),
		Intelligence: a.intelligence.Score(symbol, mctx),
		Volume:       a.volume.Score(symbol, mctx),
	}
	return scoring.Input{
		Set:       set,
		Price:     ticker.Price,
		Volume24h: ticker.Volume24h,
	}, true
}
