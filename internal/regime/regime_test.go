package regime

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"spot-trading-agent/internal/exchange"
)

// sampleTickers builds n tickers all carrying the same 24h change.
func sampleTickers(n int, change float64) []exchange.Ticker {
	out := make([]exchange.Ticker, n)
	for i := range out {
		out[i] = exchange.Ticker{
			Symbol:    fmt.Sprintf("SYM%dUSDT", i),
			Price:     100,
			Volume24h: float64(1_000_000 - i*1000),
			Change24h: change,
		}
	}
	return out
}

// mixedTickers builds a sample whose returns alternate between up and down.
func mixedTickers(n int, up, down float64) []exchange.Ticker {
	out := sampleTickers(n, up)
	for i := range out {
		if i%2 == 1 {
			out[i].Change24h = down
		}
	}
	return out
}

func newDetector() *Detector { return NewDetector(zerolog.Nop()) }

func TestClassification(t *testing.T) {
	cases := []struct {
		name    string
		tickers []exchange.Ticker
		want    Regime
	}{
		{"strong bull", sampleTickers(30, 0.07), StrongBull},
		{"bull", sampleTickers(30, 0.02), Bull},
		{"flat", sampleTickers(30, 0.001), Flat},
		{"bear", sampleTickers(30, -0.03), Bear},
		{"strong bear", sampleTickers(30, -0.08), StrongBear},
		{"volatile dispersion", mixedTickers(30, 0.15, -0.15), Volatile},
		{"unknown on thin sample", sampleTickers(3, 0.02), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDetector()
			got := d.classify(tc.tickers)
			assert.Equal(t, tc.want, got.Regime)
		})
	}
}

func TestHysteresisRequiresTwoCycles(t *testing.T) {
	d := newDetector()
	d.current = Normal

	// First bull reading does not flip the regime, the second does.
	assert.Equal(t, Normal, d.Update(sampleTickers(30, 0.02)))
	assert.Equal(t, Bull, d.Update(sampleTickers(30, 0.02)))
}

func TestHysteresisResetsOnFlappingReadings(t *testing.T) {
	d := newDetector()
	d.current = Normal

	assert.Equal(t, Normal, d.Update(sampleTickers(30, 0.02)))  // bull x1
	assert.Equal(t, Normal, d.Update(sampleTickers(30, -0.03))) // bear x1, bull streak reset
	assert.Equal(t, Normal, d.Update(sampleTickers(30, 0.02)))  // bull x1 again
}

func TestDefensiveRegimesApplyImmediately(t *testing.T) {
	d := newDetector()
	d.current = Bull
	assert.Equal(t, StrongBear, d.Update(sampleTickers(30, -0.08)))

	d2 := newDetector()
	d2.current = Bull
	assert.Equal(t, Volatile, d2.Update(mixedTickers(30, 0.15, -0.15)))
}

func TestConsistencyGateBlocksStrongBull(t *testing.T) {
	// Median is +6% but a third of the sample is red: not strong bull.
	tickers := sampleTickers(30, 0.06)
	for i := 0; i < 10; i++ {
		tickers[i].Change24h = -0.02
	}
	d := newDetector()
	got := d.classify(tickers)
	assert.NotEqual(t, StrongBull, got.Regime)
}

func TestCycleInterval(t *testing.T) {
	nominal := 10 * time.Second
	assert.Equal(t, 3*time.Second, CycleInterval(StrongBull, nominal))
	assert.Equal(t, 30*time.Second, CycleInterval(Flat, nominal))
	assert.Equal(t, 30*time.Second, CycleInterval(StrongBear, nominal))
	assert.Equal(t, nominal, CycleInterval(Normal, nominal))
}
