// Package signals produces bounded, timestamped scores for the scorer:
// technical indicators, multi-timeframe confirmation, sentiment, on-chain
// events and cross-exchange price lead.
package signals

import (
	"time"

	"spot-trading-agent/internal/exchange"
)

// Signal is one fetcher's verdict for a symbol. Score is bounded to [0,100]
// with 50 neutral; Confidence in [0,1] weights how much the scorer should
// trust it. A failed fetch yields Neutral (score 50, confidence 0) so a dead
// source cannot push a composite in either direction.
type Signal struct {
	Source      string             `json:"source"`
	Symbol      string             `json:"symbol"`
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence"`
	GeneratedAt time.Time          `json:"generated_at"`
	Payload     map[string]float64 `json:"payload,omitempty"`
}

// Neutral is the zero-information signal returned on any fetch failure.
func Neutral(source, symbol string) Signal {
	return Signal{
		Source:      source,
		Symbol:      symbol,
		Score:       50,
		Confidence:  0,
		GeneratedAt: time.Now(),
	}
}

// Fresh reports whether the signal is younger than ttl.
func (s Signal) Fresh(ttl time.Duration) bool {
	return time.Since(s.GeneratedAt) <= ttl
}

// Context is the per-symbol market view assembled by the scan phase before
// fetchers run. Candles are keyed by timeframe ("1m", "5m", "15m", "1h").
type Context struct {
	Ticker  *exchange.Ticker
	Candles map[string][]exchange.Candle
}

// Fetcher scores one symbol from the assembled market context.
type Fetcher interface {
	Name() string
	Score(symbol string, mctx Context) Signal
}

// Set is the full signal bundle for one symbol, consumed by the scorer.
type Set struct {
	Symbol       string
	Technical    Signal
	MultiFrame   Signal
	Sentiment    Signal
	Intelligence Signal // on-chain + cross-exchange blend
	Volume       Signal
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
