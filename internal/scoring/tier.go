package scoring

// Tier is the discrete quality band assigned to an opportunity. Ordering
// matters: learning promotion/demotion moves one step along it.
type Tier int

const (
	TierSkip Tier = iota
	TierStandard
	TierGood
	TierStrong
	TierHighConfidence
	TierGod
)

var tierNames = map[Tier]string{
	TierSkip:           "SKIP",
	TierStandard:       "STANDARD",
	TierGood:           "GOOD",
	TierStrong:         "STRONG_SETUP",
	TierHighConfidence: "HIGH_CONFIDENCE",
	TierGod:            "GOD_TIER",
}

func (t Tier) String() string { return tierNames[t] }

// Multiplier scales the base position size.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierGod:
		return 4.0
	case TierHighConfidence:
		return 3.0
	case TierStrong:
		return 2.0
	case TierGood:
		return 1.5
	case TierStandard:
		return 1.0
	default:
		return 0
	}
}

// tierFor maps a composite score to its band.
func tierFor(composite float64) Tier {
	switch {
	case composite >= 95:
		return TierGod
	case composite >= 90:
		return TierHighConfidence
	case composite >= 85:
		return TierStrong
	case composite >= 80:
		return TierGood
	case composite >= 70:
		return TierStandard
	default:
		return TierSkip
	}
}

// promote moves one band up, capped at GOD_TIER.
func (t Tier) promote() Tier {
	if t >= TierGod || t == TierSkip {
		return t
	}
	return t + 1
}

// demote moves one band down; STANDARD demotes to SKIP.
func (t Tier) demote() Tier {
	if t <= TierSkip {
		return t
	}
	return t - 1
}
