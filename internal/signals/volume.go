package signals

import (
	"math"
	"time"
)

// VolumeFetcher grades 24h quote-volume depth. Thin books slip market exits
// badly, so the score rewards deep liquidity and penalizes the tail.
type VolumeFetcher struct {
	// MinQuoteVolume is the 24h volume below which a symbol scores zero.
	MinQuoteVolume float64
}

func NewVolumeFetcher() *VolumeFetcher {
	return &VolumeFetcher{MinQuoteVolume: 100_000}
}

func (f *VolumeFetcher) Name() string { return "volume" }

func (f *VolumeFetcher) Score(symbol string, mctx Context) Signal {
	if mctx.Ticker == nil || mctx.Ticker.Volume24h <= 0 {
		return Neutral(f.Name(), symbol)
	}
	vol := mctx.Ticker.Volume24h
	var score float64
	if vol >= f.MinQuoteVolume {
		// log-scaled: $100k -> 40, $1M -> 60, $10M -> 80, $100M+ -> 100
		score = clampScore(40 + 20*math.Log10(vol/f.MinQuoteVolume))
	}
	return Signal{
		Source:      f.Name(),
		Symbol:      symbol,
		Score:       score,
		Confidence:  1,
		GeneratedAt: time.Now(),
		Payload:     map[string]float64{"volume_24h": vol},
	}
}
