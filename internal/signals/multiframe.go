package signals

import "time"

// confirmationFrames are checked lowest to highest; alignment across all
// four is the strongest confirmation the fetcher can give.
var confirmationFrames = []string{"1m", "5m", "15m", "1h"}

// MultiFrameFetcher confirms whether the technical read agrees across
// timeframes. Score is 100 only when all four frames lean bullish.
type MultiFrameFetcher struct{}

func NewMultiFrameFetcher() *MultiFrameFetcher { return &MultiFrameFetcher{} }

func (f *MultiFrameFetcher) Name() string { return "multiframe" }

func (f *MultiFrameFetcher) Score(symbol string, mctx Context) Signal {
	aligned := 0
	available := 0
	for _, tf := range confirmationFrames {
		candles := mctx.Candles[tf]
		if len(candles) < minCandles {
			continue
		}
		available++
		sub := TechnicalFetcher{Timeframe: tf}
		if sub.Score(symbol, mctx).Score > 55 {
			aligned++
		}
	}
	if available == 0 {
		return Neutral(f.Name(), symbol)
	}

	return Signal{
		Source:      f.Name(),
		Symbol:      symbol,
		Score:       float64(aligned) / float64(len(confirmationFrames)) * 100,
		Confidence:  clamp01(float64(available) / float64(len(confirmationFrames))),
		GeneratedAt: time.Now(),
		Payload: map[string]float64{
			"aligned_frames":   float64(aligned),
			"available_frames": float64(available),
		},
	}
}
