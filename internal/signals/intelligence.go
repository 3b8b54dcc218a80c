package signals

import "time"

// WhaleEvent is a discrete on-chain observation for a symbol's base asset.
type WhaleEvent struct {
	Symbol     string
	Direction  string // "accumulation" or "distribution"
	NotionalUS float64
	SeenAt     time.Time
}

// OnChainFeed supplies recent whale events; implementations poll external
// explorers and are out of process scope.
type OnChainFeed interface {
	Recent(symbol string, window time.Duration) ([]WhaleEvent, error)
}

// ReferencePricer quotes the same symbol on a reference venue for the
// cross-exchange lead signal.
type ReferencePricer interface {
	Price(symbol string) (float64, error)
}

// IntelligenceFetcher blends on-chain whale flow with the cross-exchange
// price lead into one subscore. Either input may be absent.
type IntelligenceFetcher struct {
	onchain OnChainFeed
	refs    ReferencePricer
	window  time.Duration
}

func NewIntelligenceFetcher(onchain OnChainFeed, refs ReferencePricer) *IntelligenceFetcher {
	return &IntelligenceFetcher{onchain: onchain, refs: refs, window: 30 * time.Minute}
}

func (f *IntelligenceFetcher) Name() string { return "intelligence" }

func (f *IntelligenceFetcher) Score(symbol string, mctx Context) Signal {
	var parts []float64
	payload := map[string]float64{}

	if f.onchain != nil {
		if events, err := f.onchain.Recent(symbol, f.window); err == nil {
			parts = append(parts, scoreWhaleFlow(events))
			payload["whale_events"] = float64(len(events))
		}
	}

	if f.refs != nil && mctx.Ticker != nil && mctx.Ticker.Price > 0 {
		if ref, err := f.refs.Price(symbol); err == nil && ref > 0 {
			lead := (ref - mctx.Ticker.Price) / mctx.Ticker.Price
			parts = append(parts, scoreLead(lead))
			payload["ref_lead"] = lead
			if lead > 0 {
				payload["lead_up"] = 1
			}
		}
	}

	if len(parts) == 0 {
		return Neutral(f.Name(), symbol)
	}

	var sum float64
	for _, p := range parts {
		sum += p
	}
	return Signal{
		Source:      f.Name(),
		Symbol:      symbol,
		Score:       sum / float64(len(parts)),
		Confidence:  clamp01(float64(len(parts)) / 2),
		GeneratedAt: time.Now(),
		Payload:     payload,
	}
}

// scoreWhaleFlow buckets net accumulation into the fixed bands the scorer
// expects. Discrete events map to discrete scores, not a continuous curve.
func scoreWhaleFlow(events []WhaleEvent) float64 {
	var net float64
	for _, e := range events {
		if e.Direction == "accumulation" {
			net += e.NotionalUS
		} else {
			net -= e.NotionalUS
		}
	}
	switch {
	case net >= 1_000_000:
		return 90
	case net >= 100_000:
		return 70
	case net > -100_000:
		return 50
	case net > -1_000_000:
		return 30
	default:
		return 10
	}
}

// scoreLead converts a fractional reference-venue premium into a bounded
// score. A 0.2% lead on the reference venue maps to 75.
func scoreLead(lead float64) float64 {
	return clampScore(50 + lead*12500)
}
