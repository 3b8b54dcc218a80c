// Package regime classifies the overall market mood from the cross-section
// of 24h returns and feeds the result into scoring weights and sizing.
package regime

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"spot-trading-agent/internal/exchange"
)

// Regime is the market classification.
type Regime string

const (
	StrongBull Regime = "STRONG_BULL"
	Bull       Regime = "BULL"
	Normal     Regime = "NORMAL"
	Volatile   Regime = "VOLATILE"
	Flat       Regime = "FLAT"
	Bear       Regime = "BEAR"
	StrongBear Regime = "STRONG_BEAR"
	Unknown    Regime = "UNKNOWN"
)

// Reading is one detector output with its diagnostic scalars.
type Reading struct {
	Regime      Regime    `json:"regime"`
	Momentum    float64   `json:"momentum"`    // median 24h return, fractional
	Volatility  float64   `json:"volatility"`  // cross-sectional stddev of returns
	Consistency float64   `json:"consistency"` // share of sample agreeing with median sign
	SampleSize  int       `json:"sample_size"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Detector classifies once per cycle. Transitions require two consecutive
// readings of the new regime before it is adopted, except transitions into
// STRONG_BEAR or VOLATILE which apply immediately.
type Detector struct {
	logger zerolog.Logger

	// TopN is how many symbols (by 24h volume) make up the sample.
	TopN int
	// MinSample below which the detector reports UNKNOWN.
	MinSample int

	current   Regime
	candidate Regime
	streak    int
	last      Reading
}

func NewDetector(logger zerolog.Logger) *Detector {
	return &Detector{
		logger:    logger.With().Str("component", "regime").Logger(),
		TopN:      50,
		MinSample: 10,
		current:   Unknown,
	}
}

// Current returns the adopted regime.
func (d *Detector) Current() Regime { return d.current }

// Last returns the most recent reading (raw, before hysteresis).
func (d *Detector) Last() Reading { return d.last }

// Update classifies the ticker cross-section and applies hysteresis. It
// returns the adopted regime.
func (d *Detector) Update(tickers []exchange.Ticker) Regime {
	reading := d.classify(tickers)
	d.last = reading

	adopted := d.applyHysteresis(reading.Regime)
	if adopted != d.current {
		d.logger.Info().
			Str("from", string(d.current)).
			Str("to", string(adopted)).
			Float64("momentum", reading.Momentum).
			Float64("volatility", reading.Volatility).
			Float64("consistency", reading.Consistency).
			Msg("market regime changed")
		d.current = adopted
	}
	return d.current
}

func (d *Detector) classify(tickers []exchange.Ticker) Reading {
	sample := topByVolume(tickers, d.TopN)
	if len(sample) < d.MinSample {
		return Reading{Regime: Unknown, SampleSize: len(sample), DetectedAt: time.Now()}
	}

	returns := make([]float64, len(sample))
	for i, t := range sample {
		returns[i] = t.Change24h
	}
	sort.Float64s(returns)

	median := stat.Quantile(0.5, stat.Empirical, returns, nil)
	vol := stat.StdDev(returns, nil)
	consistency := signAgreement(returns, median)

	r := Reading{
		Momentum:    median,
		Volatility:  vol,
		Consistency: consistency,
		SampleSize:  len(sample),
		DetectedAt:  time.Now(),
	}

	switch {
	case vol > 0.08:
		r.Regime = Volatile
	case median >= 0.05 && consistency >= 0.70:
		r.Regime = StrongBull
	case median <= -0.05 && consistency >= 0.70:
		r.Regime = StrongBear
	case median >= 0.01 && consistency >= 0.55:
		r.Regime = Bull
	case median <= -0.01:
		r.Regime = Bear
	case median > -0.01 && median < 0.01 && vol < 0.02:
		r.Regime = Flat
	default:
		r.Regime = Normal
	}
	return r
}

func (d *Detector) applyHysteresis(next Regime) Regime {
	if next == d.current {
		d.candidate = ""
		d.streak = 0
		return d.current
	}
	// Defensive regimes apply without waiting for confirmation.
	if next == StrongBear || next == Volatile {
		d.candidate = ""
		d.streak = 0
		return next
	}
	if next == d.candidate {
		d.streak++
	} else {
		d.candidate = next
		d.streak = 1
	}
	if d.streak >= 2 {
		d.candidate = ""
		d.streak = 0
		return next
	}
	return d.current
}

func topByVolume(tickers []exchange.Ticker, n int) []exchange.Ticker {
	sorted := append([]exchange.Ticker(nil), tickers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Volume24h > sorted[j].Volume24h })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// signAgreement is the share of returns on the same side of zero as the
// median. A flat median counts closeness to zero instead.
func signAgreement(returns []float64, median float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	agree := 0
	for _, r := range returns {
		switch {
		case median > 0 && r > 0:
			agree++
		case median < 0 && r < 0:
			agree++
		case median == 0 && r > -0.005 && r < 0.005:
			agree++
		}
	}
	return float64(agree) / float64(len(returns))
}

// CycleInterval maps a regime to the agent's cycle cadence. Fast regimes get
// short cycles, quiet ones long.
func CycleInterval(r Regime, nominal time.Duration) time.Duration {
	switch r {
	case StrongBull:
		return 3 * time.Second
	case Volatile:
		return 5 * time.Second
	case Flat, StrongBear:
		return 30 * time.Second
	default:
		return nominal
	}
}
