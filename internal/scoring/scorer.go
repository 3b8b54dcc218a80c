// Package scoring combines per-symbol signals into a composite score with
// regime-adaptive weights and assigns sizing tiers.
package scoring

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/signals"
)

// TopK is how many opportunities the scorer emits per cycle.
const TopK = 25

// Components are the subscores that feed the composite.
type Components struct {
	Technical    float64 `json:"technical"`
	Intelligence float64 `json:"intelligence"`
	MultiFrame   float64 `json:"multiframe"`
	Volume       float64 `json:"volume"`
	Sentiment    float64 `json:"sentiment"`
}

// Opportunity is one cycle's scored candidate. Risk sizing fills in TP, SL
// and notional downstream.
type Opportunity struct {
	Symbol     string
	Composite  float64
	Components Components
	Tier       Tier
	Entry      float64 // suggested entry, last ticker price
	Volume24h  float64
	ATRPct     float64 // from the technical payload, for stop sizing
	Rationale  string  // dominant component
}

// Input pairs the signal bundle with the market numbers the scorer ranks on.
type Input struct {
	Set       signals.Set
	Price     float64
	Volume24h float64
}

// Adviser exposes the learning memory queries the scorer consults when
// adjusting tiers.
type Adviser interface {
	Outcome(reg, strategy string) (trades int, winRate float64)
	Avoid(symbol string) bool
}

// weights is the component weighting for one regime.
type weights struct {
	technical, intelligence, multiframe, volume, sentiment float64
}

var baseWeights = weights{technical: 0.40, intelligence: 0.30, multiframe: 0.15, volume: 0.10, sentiment: 0.05}

// weightsFor shifts the base weights by regime. Choppy or falling markets
// trust raw technicals less and confirmation more; a strong bull rewards
// timeframe confluence.
func weightsFor(r regime.Regime) weights {
	w := baseWeights
	switch r {
	case regime.Volatile, regime.StrongBear:
		w.technical -= 0.10
		w.multiframe += 0.05
		w.sentiment += 0.05
	case regime.StrongBull:
		w.multiframe += 0.05
		w.sentiment -= 0.05
	}
	return w
}

// Scorer ranks symbols each cycle.
type Scorer struct {
	logger    zerolog.Logger
	adviser   Adviser
	signalTTL time.Duration
}

// DefaultSignalTTL is how long a fetched signal stays usable before it
// degrades to the neutral score.
const DefaultSignalTTL = time.Minute

func NewScorer(adviser Adviser, logger zerolog.Logger) *Scorer {
	return &Scorer{
		logger:    logger.With().Str("component", "scorer").Logger(),
		adviser:   adviser,
		signalTTL: DefaultSignalTTL,
	}
}

// SetSignalTTL overrides the signal freshness window. Non-positive values
// are ignored.
func (s *Scorer) SetSignalTTL(d time.Duration) {
	if d > 0 {
		s.signalTTL = d
	}
}

// Score computes composites for every input and returns the top candidates
// sorted by composite descending. Ties break on technical subscore, then on
// 24h volume.
func (s *Scorer) Score(inputs []Input, r regime.Regime) []Opportunity {
	w := weightsFor(r)
	opps := make([]Opportunity, 0, len(inputs))
	for _, in := range inputs {
		opp := s.scoreOne(in, w, r)
		if opp.Tier == TierSkip {
			continue
		}
		opps = append(opps, opp)
	}

	sort.Slice(opps, func(i, j int) bool {
		if opps[i].Composite != opps[j].Composite {
			return opps[i].Composite > opps[j].Composite
		}
		if opps[i].Components.Technical != opps[j].Components.Technical {
			return opps[i].Components.Technical > opps[j].Components.Technical
		}
		return opps[i].Volume24h > opps[j].Volume24h
	})

	if len(opps) > TopK {
		opps = opps[:TopK]
	}
	return opps
}

func (s *Scorer) scoreOne(in Input, w weights, r regime.Regime) Opportunity {
	comp := Components{
		Technical:    s.usable(in.Set.Technical),
		Intelligence: s.usable(in.Set.Intelligence),
		MultiFrame:   s.usable(in.Set.MultiFrame),
		Volume:       s.usable(in.Set.Volume),
		Sentiment:    s.usable(in.Set.Sentiment),
	}

	composite := w.technical*comp.Technical +
		w.intelligence*comp.Intelligence +
		w.multiframe*comp.MultiFrame +
		w.volume*comp.Volume +
		w.sentiment*comp.Sentiment

	opp := Opportunity{
		Symbol:     in.Set.Symbol,
		Composite:  composite,
		Components: comp,
		Tier:       tierFor(composite),
		Entry:      in.Price,
		Volume24h:  in.Volume24h,
		ATRPct:     in.Set.Technical.Payload["atr_pct"],
		Rationale:  dominantComponent(comp, w),
	}

	if s.adviser != nil && opp.Tier > TierSkip {
		opp.Tier = s.adjustTier(opp, r)
	}
	return opp
}

// usable returns the signal's score, or neutral 50 when the signal is stale
// or carries no confidence.
func (s *Scorer) usable(sig signals.Signal) float64 {
	if sig.Confidence <= 0 || !sig.Fresh(s.signalTTL) {
		return 50
	}
	return sig.Score
}

// adjustTier applies learning feedback: a bucket that keeps losing in this
// regime demotes the opportunity one band, a proven one promotes it. A
// symbol on the avoid list is skipped outright.
func (s *Scorer) adjustTier(opp Opportunity, r regime.Regime) Tier {
	if s.adviser.Avoid(opp.Symbol) {
		s.logger.Debug().Str("symbol", opp.Symbol).Msg("symbol on avoid list, skipping")
		return TierSkip
	}
	trades, winRate := s.adviser.Outcome(string(r), "TAKE_PROFIT")
	switch {
	case trades >= 10 && winRate >= 0.70:
		return opp.Tier.promote()
	case trades >= 5 && winRate < 0.30:
		return opp.Tier.demote()
	}
	return opp.Tier
}

func dominantComponent(c Components, w weights) string {
	type part struct {
		name     string
		weighted float64
	}
	parts := []part{
		{"technical_momentum", w.technical * c.Technical},
		{"intelligence_lead", w.intelligence * c.Intelligence},
		{"multiframe_confluence", w.multiframe * c.MultiFrame},
		{"volume_surge", w.volume * c.Volume},
		{"sentiment_shift", w.sentiment * c.Sentiment},
	}
	best := parts[0]
	for _, p := range parts[1:] {
		if p.weighted > best.weighted {
			best = p
		}
	}
	return best.name
}
