package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/signals"
)

func sig(score float64) signals.Signal {
	return signals.Signal{Score: score, Confidence: 1, GeneratedAt: time.Now()}
}

func input(symbol string, tech, intel, mtf, vol, sent float64) Input {
	return Input{
		Set: signals.Set{
			Symbol:       symbol,
			Technical:    sig(tech),
			Intelligence: sig(intel),
			MultiFrame:   sig(mtf),
			Volume:       sig(vol),
			Sentiment:    sig(sent),
		},
		Price:     100,
		Volume24h: 1_000_000,
	}
}

type stubAdviser struct {
	trades  int
	winRate float64
	avoid   map[string]bool
}

func (a stubAdviser) Outcome(string, string) (int, float64) { return a.trades, a.winRate }
func (a stubAdviser) Avoid(symbol string) bool              { return a.avoid[symbol] }

func TestCompositeMatchesWeightedSum(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	opps := s.Score([]Input{input("BTCUSDT", 90, 80, 70, 60, 50)}, regime.Normal)
	require.Len(t, opps, 1)

	want := 0.40*90 + 0.30*80 + 0.15*70 + 0.10*60 + 0.05*50
	assert.InDelta(t, want, opps[0].Composite, 1e-6)
}

func TestVolatileRegimeShiftsWeights(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	in := input("BTCUSDT", 100, 70, 70, 70, 70)

	normal := s.Score([]Input{in}, regime.Normal)[0].Composite
	volatile := s.Score([]Input{in}, regime.Volatile)[0].Composite

	// Technical dominance is worth less when the tape is wild.
	assert.Less(t, volatile, normal)

	want := 0.30*100 + 0.30*70 + 0.20*70 + 0.10*70 + 0.10*70
	assert.InDelta(t, want, volatile, 1e-6)
}

func TestStrongBullFavorsConfluence(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	in := input("BTCUSDT", 80, 80, 100, 80, 0)

	want := 0.40*80 + 0.30*80 + 0.20*100 + 0.10*80 + 0.0*0
	got := s.Score([]Input{in}, regime.StrongBull)[0].Composite
	assert.InDelta(t, want, got, 1e-6)
}

func TestTierBands(t *testing.T) {
	cases := []struct {
		composite float64
		want      Tier
	}{
		{96, TierGod}, {95, TierGod},
		{90, TierHighConfidence},
		{85, TierStrong},
		{80, TierGood},
		{70, TierStandard},
		{69.9, TierSkip},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tierFor(tc.composite), "composite %.1f", tc.composite)
	}
}

func TestSkipTierFilteredOut(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	opps := s.Score([]Input{input("DOGEUSDT", 50, 50, 50, 50, 50)}, regime.Normal)
	assert.Empty(t, opps)
}

func TestSignalTTLIsConfigurable(t *testing.T) {
	in := input("BTCUSDT", 90, 90, 90, 90, 90)
	in.Set.Technical.GeneratedAt = time.Now().Add(-90 * time.Second)

	// Under the default one-minute window the aged technical signal
	// degrades to neutral.
	s := NewScorer(nil, zerolog.Nop())
	opps := s.Score([]Input{in}, regime.Normal)
	require.Len(t, opps, 1)
	assert.InDelta(t, 50, opps[0].Components.Technical, 1e-6)

	// A wider window keeps the same signal usable.
	s.SetSignalTTL(5 * time.Minute)
	opps = s.Score([]Input{in}, regime.Normal)
	require.Len(t, opps, 1)
	assert.InDelta(t, 90, opps[0].Components.Technical, 1e-6)

	// Non-positive overrides are ignored.
	s.SetSignalTTL(0)
	opps = s.Score([]Input{in}, regime.Normal)
	require.Len(t, opps, 1)
	assert.InDelta(t, 90, opps[0].Components.Technical, 1e-6)
}

func TestTieBreakTechnicalThenVolume(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	a := input("AAAUSDT", 90, 70, 80, 80, 80) // higher technical
	b := input("BBBUSDT", 70, 90, 86, 80, 80) // same composite via intelligence
	b.Set.MultiFrame = sig(80 + (0.40*90+0.30*70-0.40*70-0.30*90)/0.15)

	// Force identical composites then verify ordering by technical.
	opps := s.Score([]Input{b, a}, regime.Normal)
	require.Len(t, opps, 2)
	assert.Equal(t, "AAAUSDT", opps[0].Symbol)
}

func TestTopKCap(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	inputs := make([]Input, 40)
	for i := range inputs {
		inputs[i] = input(fmt.Sprintf("SYM%02dUSDT", i), 85, 85, 85, 85, 85)
	}
	opps := s.Score(inputs, regime.Normal)
	assert.Len(t, opps, TopK)
}

func TestStaleSignalTreatedAsNeutral(t *testing.T) {
	s := NewScorer(nil, zerolog.Nop())
	in := input("BTCUSDT", 95, 95, 95, 95, 95)
	in.Set.Technical.GeneratedAt = time.Now().Add(-5 * time.Minute)

	opps := s.Score([]Input{in}, regime.Normal)
	require.Len(t, opps, 1)
	want := 0.40*50 + 0.30*95 + 0.15*95 + 0.10*95 + 0.05*95
	assert.InDelta(t, want, opps[0].Composite, 1e-6)
}

func TestLearningPromotionAndDemotion(t *testing.T) {
	in := input("BTCUSDT", 85, 85, 85, 85, 85) // STRONG_SETUP on raw score

	promoted := NewScorer(stubAdviser{trades: 12, winRate: 0.8}, zerolog.Nop()).
		Score([]Input{in}, regime.Normal)
	require.Len(t, promoted, 1)
	assert.Equal(t, TierHighConfidence, promoted[0].Tier)

	demoted := NewScorer(stubAdviser{trades: 6, winRate: 0.2}, zerolog.Nop()).
		Score([]Input{in}, regime.Normal)
	require.Len(t, demoted, 1)
	assert.Equal(t, TierGood, demoted[0].Tier)
}

func TestAvoidListSkips(t *testing.T) {
	adviser := stubAdviser{avoid: map[string]bool{"RUGUSDT": true}}
	s := NewScorer(adviser, zerolog.Nop())
	opps := s.Score([]Input{input("RUGUSDT", 90, 90, 90, 90, 90)}, regime.Normal)
	assert.Empty(t, opps)
}

func TestPromotionCapsAtGodTier(t *testing.T) {
	assert.Equal(t, TierGod, TierGod.promote())
	assert.Equal(t, TierSkip, TierStandard.demote())
}
