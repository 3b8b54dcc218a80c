package signals

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"
)

// Indicator weights for the technical subscore. They sum to 1.0.
const (
	weightRSI    = 0.10
	weightMACD   = 0.15
	weightBB     = 0.10
	weightMA     = 0.15
	weightOBV    = 0.10
	weightStoch  = 0.10
	weightVWAP   = 0.10
	weightATR    = 0.05
	weightVolume = 0.15
)

// minCandles is the history needed for the slowest indicator (MA 50) plus
// warm-up; below this the fetcher returns a low-confidence result.
const minCandles = 60

// TechnicalFetcher scores a symbol from classical indicators computed on a
// single primary timeframe.
type TechnicalFetcher struct {
	Timeframe string // defaults to "15m"
}

func NewTechnicalFetcher() *TechnicalFetcher {
	return &TechnicalFetcher{Timeframe: "15m"}
}

func (f *TechnicalFetcher) Name() string { return "technical" }

func (f *TechnicalFetcher) Score(symbol string, mctx Context) Signal {
	tf := f.Timeframe
	if tf == "" {
		tf = "15m"
	}
	candles := mctx.Candles[tf]
	if len(candles) < minCandles {
		return Neutral(f.Name(), symbol)
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i], volumes[i] = c.High, c.Low, c.Close, c.Volume
	}
	price := closes[len(closes)-1]

	scores := map[string]float64{
		"rsi":    scoreRSI(closes),
		"macd":   scoreMACD(closes),
		"bb":     scoreBollinger(closes),
		"ma":     scoreMovingAverages(closes),
		"obv":    scoreOBV(closes, volumes),
		"stoch":  scoreStochastic(highs, lows, closes),
		"vwap":   scoreVWAP(highs, lows, closes, volumes),
		"atr":    scoreATRBand(highs, lows, closes),
		"volume": scoreVolumeSurge(volumes),
	}

	composite := weightRSI*scores["rsi"] +
		weightMACD*scores["macd"] +
		weightBB*scores["bb"] +
		weightMA*scores["ma"] +
		weightOBV*scores["obv"] +
		weightStoch*scores["stoch"] +
		weightVWAP*scores["vwap"] +
		weightATR*scores["atr"] +
		weightVolume*scores["volume"]

	atr := lastValid(talib.Atr(highs, lows, closes, 14))
	payload := map[string]float64{
		"atr":     atr,
		"atr_pct": safeDiv(atr, price),
	}
	for k, v := range scores {
		payload["ind_"+k] = v
	}

	return Signal{
		Source:      f.Name(),
		Symbol:      symbol,
		Score:       clampScore(composite),
		Confidence:  0.9,
		GeneratedAt: time.Now(),
		Payload:     payload,
	}
}

// scoreRSI maps RSI(14) so oversold reads bullish. RSI 30 scores 70, RSI 70
// scores 30.
func scoreRSI(closes []float64) float64 {
	rsi := lastValid(talib.Rsi(closes, 14))
	if rsi == 0 {
		return 50
	}
	return clampScore(100 - rsi)
}

// scoreMACD grades the histogram sign and its slope.
func scoreMACD(closes []float64) float64 {
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	if len(hist) < 2 {
		return 50
	}
	cur, prev := hist[len(hist)-1], hist[len(hist)-2]
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return 50
	}
	switch {
	case cur > 0 && cur > prev:
		return 80
	case cur > 0:
		return 65
	case cur <= 0 && cur > prev:
		return 55 // histogram recovering below zero
	default:
		return 25
	}
}

// scoreBollinger is mean-reversion biased: price near the lower band scores
// high, near the upper band low.
func scoreBollinger(closes []float64) float64 {
	upper, _, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	u, l := lastValid(upper), lastValid(lower)
	if u <= l {
		return 50
	}
	pos := (closes[len(closes)-1] - l) / (u - l)
	return clampScore((1 - pos) * 100)
}

// scoreMovingAverages grades the 20/50 SMA stack against price.
func scoreMovingAverages(closes []float64) float64 {
	ma20 := lastValid(talib.Sma(closes, 20))
	ma50 := lastValid(talib.Sma(closes, 50))
	price := closes[len(closes)-1]
	switch {
	case price > ma20 && ma20 > ma50:
		return 80
	case price > ma20:
		return 65
	case ma20 > ma50:
		return 55
	case price < ma20 && ma20 < ma50:
		return 20
	default:
		return 40
	}
}

// scoreOBV grades the slope of on-balance volume over the last 10 bars.
func scoreOBV(closes, volumes []float64) float64 {
	obv := talib.Obv(closes, volumes)
	if len(obv) < 11 {
		return 50
	}
	cur, prior := obv[len(obv)-1], obv[len(obv)-11]
	base := math.Abs(prior)
	if base == 0 {
		base = 1
	}
	slope := (cur - prior) / base
	return clampScore(50 + slope*500)
}

// scoreStochastic maps slow %K like RSI, with a crossover bonus when %K has
// risen back above %D out of the oversold band.
func scoreStochastic(highs, lows, closes []float64) float64 {
	k, d := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
	kv, dv := lastValid(k), lastValid(d)
	if kv == 0 && dv == 0 {
		return 50
	}
	score := 100 - kv
	if kv > dv && kv < 40 {
		score += 10
	}
	return clampScore(score)
}

// scoreVWAP compares price against the volume-weighted average over the
// window; trading below VWAP is a discount.
func scoreVWAP(highs, lows, closes, volumes []float64) float64 {
	var pv, vol float64
	for i := range closes {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		pv += typical * volumes[i]
		vol += volumes[i]
	}
	if vol == 0 {
		return 50
	}
	vwap := pv / vol
	dev := (closes[len(closes)-1] - vwap) / vwap
	return clampScore(50 - dev*2500)
}

// scoreATRBand rewards a workable volatility band. Too quiet and TP is out of
// reach, too wild and the stop gets run.
func scoreATRBand(highs, lows, closes []float64) float64 {
	atr := lastValid(talib.Atr(highs, lows, closes, 14))
	pct := safeDiv(atr, closes[len(closes)-1])
	switch {
	case pct >= 0.005 && pct <= 0.03:
		return 70
	case pct > 0.03 && pct <= 0.06:
		return 45
	case pct > 0.06:
		return 20
	default:
		return 40
	}
}

// scoreVolumeSurge compares the last bar's volume to the 20-bar average.
func scoreVolumeSurge(volumes []float64) float64 {
	if len(volumes) < 21 {
		return 50
	}
	var sum float64
	for _, v := range volumes[len(volumes)-21 : len(volumes)-1] {
		sum += v
	}
	avg := sum / 20
	if avg == 0 {
		return 50
	}
	ratio := volumes[len(volumes)-1] / avg
	return clampScore(50 + (ratio-1)*25)
}

func lastValid(vals []float64) float64 {
	for i := len(vals) - 1; i >= 0; i-- {
		if !math.IsNaN(vals[i]) && vals[i] != 0 {
			return vals[i]
		}
	}
	return 0
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
