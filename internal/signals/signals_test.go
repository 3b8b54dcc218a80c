package signals

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spot-trading-agent/internal/exchange"
)

// trendCandles builds a synthetic series with a fixed per-bar drift.
func trendCandles(symbol, timeframe string, n int, start, drift float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := start
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		next := price * (1 + drift)
		candles[i] = exchange.Candle{
			Symbol: symbol, Timeframe: timeframe,
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     price, High: next * 1.002, Low: price * 0.998,
			Close: next, Volume: 1000 + float64(i)*10,
		}
		price = next
	}
	return candles
}

func TestTechnicalNeutralOnShortHistory(t *testing.T) {
	f := NewTechnicalFetcher()
	sig := f.Score("BTCUSDT", Context{Candles: map[string][]exchange.Candle{
		"15m": trendCandles("BTCUSDT", "15m", 20, 100, 0.001),
	}})
	assert.Equal(t, 50.0, sig.Score)
	assert.Zero(t, sig.Confidence)
}

func TestTechnicalScoreBounded(t *testing.T) {
	f := NewTechnicalFetcher()
	for _, drift := range []float64{0.004, 0, -0.004} {
		sig := f.Score("BTCUSDT", Context{Candles: map[string][]exchange.Candle{
			"15m": trendCandles("BTCUSDT", "15m", 120, 100, drift),
		}})
		assert.GreaterOrEqual(t, sig.Score, 0.0)
		assert.LessOrEqual(t, sig.Score, 100.0)
		assert.Positive(t, sig.Confidence)
		assert.Contains(t, sig.Payload, "atr_pct")
	}
}

func TestMultiFramePartialAlignment(t *testing.T) {
	// Only two of four frames have history; confidence reflects that.
	mctx := Context{Candles: map[string][]exchange.Candle{
		"1m": trendCandles("ETHUSDT", "1m", 120, 100, 0.002),
		"5m": trendCandles("ETHUSDT", "5m", 120, 100, 0.002),
	}}
	sig := NewMultiFrameFetcher().Score("ETHUSDT", mctx)
	assert.InDelta(t, 0.5, sig.Confidence, 1e-9)
	assert.LessOrEqual(t, sig.Score, 100.0)
}

func TestMultiFrameNeutralWithoutCandles(t *testing.T) {
	sig := NewMultiFrameFetcher().Score("ETHUSDT", Context{})
	assert.Equal(t, 50.0, sig.Score)
	assert.Zero(t, sig.Confidence)
}

type fakeSentiment struct {
	score float64
	err   error
}

func (f fakeSentiment) Name() string { return "fake" }

func (f fakeSentiment) Read(string) (float64, error) { return f.score, f.err }

func TestSentimentAggregation(t *testing.T) {
	f := NewSentimentFetcher(
		fakeSentiment{score: 80},
		fakeSentiment{score: 60},
		fakeSentiment{err: errors.New("down")},
	)
	sig := f.Score("BTCUSDT", Context{})
	assert.InDelta(t, 70, sig.Score, 1e-9)
	assert.InDelta(t, 2.0/3.0, sig.Confidence, 1e-9)
}

func TestSentimentNeutralWhenAllSourcesFail(t *testing.T) {
	f := NewSentimentFetcher(fakeSentiment{err: errors.New("down")})
	sig := f.Score("BTCUSDT", Context{})
	assert.Equal(t, 50.0, sig.Score)
	assert.Zero(t, sig.Confidence)
}

type fakeRef struct{ price float64 }

func (r fakeRef) Price(string) (float64, error) { return r.price, nil }

func TestIntelligenceLeadDirection(t *testing.T) {
	ticker := &exchange.Ticker{Symbol: "BTCUSDT", Price: 100}
	up := NewIntelligenceFetcher(nil, fakeRef{price: 100.2}).
		Score("BTCUSDT", Context{Ticker: ticker})
	down := NewIntelligenceFetcher(nil, fakeRef{price: 99.8}).
		Score("BTCUSDT", Context{Ticker: ticker})

	assert.Greater(t, up.Score, 50.0)
	assert.Less(t, down.Score, 50.0)
	assert.Equal(t, 1.0, up.Payload["lead_up"])
}

func TestWhaleFlowBuckets(t *testing.T) {
	acc := []WhaleEvent{{Direction: "accumulation", NotionalUS: 2_000_000}}
	dist := []WhaleEvent{{Direction: "distribution", NotionalUS: 2_000_000}}
	assert.Equal(t, 90.0, scoreWhaleFlow(acc))
	assert.Equal(t, 10.0, scoreWhaleFlow(dist))
	assert.Equal(t, 50.0, scoreWhaleFlow(nil))
}

func TestVolumeScoreScalesWithDepth(t *testing.T) {
	f := NewVolumeFetcher()
	thin := f.Score("X", Context{Ticker: &exchange.Ticker{Volume24h: 50_000}})
	deep := f.Score("X", Context{Ticker: &exchange.Ticker{Volume24h: 10_000_000}})
	assert.Zero(t, thin.Score)
	assert.Greater(t, deep.Score, 70.0)
}

func TestSignalFreshness(t *testing.T) {
	sig := Neutral("technical", "BTCUSDT")
	assert.True(t, sig.Fresh(time.Minute))
	sig.GeneratedAt = time.Now().Add(-2 * time.Minute)
	assert.False(t, sig.Fresh(time.Minute))
}
