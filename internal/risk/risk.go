// Package risk derives position size, take-profit, stop-loss and trailing
// parameters from tier, regime, volatility and available capital.
package risk

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/scoring"
)

// finalTradeFloor is the exchange's minimum order notional; the last sliver
// of capital may be deployed down to this even when it undercuts the
// configured per-trade minimum.
const finalTradeFloor = 11.0

// ErrNoEntries is returned when the current regime forbids new positions.
var ErrNoEntries = errors.New("regime multiplier is zero, no new entries")

// ErrInsufficientCapital is returned when even the final-trade minimum
// cannot be funded.
var ErrInsufficientCapital = errors.New("available capital below minimum trade size")

// Fees models the exchange cost of a round trip.
type Fees struct {
	MakerRate    float64 // fraction per fill
	TakerRate    float64
	SlippageRate float64 // assumed adverse move on market exits
}

// RoundTrip estimates total fees for entering at entry and exiting at exit
// with quantity qty, including the slippage allowance.
func (f Fees) RoundTrip(qty, entry, exit float64) float64 {
	return qty*entry*f.TakerRate + qty*exit*(f.MakerRate+f.SlippageRate)
}

// Config holds the sizing knobs. Defaults mirror production tuning; env
// overrides flow in from the config package.
type Config struct {
	BasePct            float64 // fraction of available capital per STANDARD entry
	MinPerTrade        float64 // quote currency
	MaxPerTrade        float64
	MinStopLossPct     float64
	MaxStopLossPct     float64
	MinProfitBuffer    float64 // quote currency profit that must clear fees
	TakeProfitOverride float64 // nonzero replaces the STANDARD tier percentage
	StopLossOverride   float64 // nonzero replaces the computed ATR stop
	Fees               Fees
}

func DefaultConfig() Config {
	return Config{
		BasePct:         0.10,
		MinPerTrade:     11,
		MaxPerTrade:     30,
		MinStopLossPct:  0.005,
		MaxStopLossPct:  0.05,
		MinProfitBuffer: 0.10,
		Fees:            Fees{MakerRate: 0.001, TakerRate: 0.001, SlippageRate: 0.0005},
	}
}

// Plan is the sizing decision for one opportunity. Prices are raw; the
// execution engine normalizes them to tick/lot.
type Plan struct {
	Symbol     string
	Notional   float64
	Entry      float64
	TakeProfit float64
	StopLoss   float64
}

// Manager computes plans and advances trailing stops.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
}

func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger.With().Str("component", "risk").Logger()}
}

// RegimeMultiplier scales sizing by market mood. STRONG_BEAR blocks entries
// entirely.
func RegimeMultiplier(r regime.Regime) float64 {
	switch r {
	case regime.StrongBull:
		return 1.25
	case regime.Bull:
		return 1.10
	case regime.Normal:
		return 1.0
	case regime.Volatile, regime.Flat:
		return 0.75
	case regime.Bear, regime.Unknown:
		return 0.50
	case regime.StrongBear:
		return 0
	default:
		return 0.50
	}
}

// takeProfitPct by tier. The override, when set, replaces the STANDARD value
// and shifts the ladder with it.
func (m *Manager) takeProfitPct(tier scoring.Tier) float64 {
	base := 0.015
	if m.cfg.TakeProfitOverride > 0 {
		base = m.cfg.TakeProfitOverride
	}
	switch tier {
	case scoring.TierGod:
		return base * 2.0
	case scoring.TierHighConfidence, scoring.TierStrong:
		return base + 0.010
	case scoring.TierGood:
		return base + 0.005
	default:
		return base
	}
}

// stopLossPct derives the stop distance from ATR, scaled by a volatility
// band multiplier and clamped to the configured window.
func (m *Manager) stopLossPct(atrPct float64) float64 {
	if m.cfg.StopLossOverride > 0 {
		return clamp(m.cfg.StopLossOverride, m.cfg.MinStopLossPct, m.cfg.MaxStopLossPct)
	}
	mult := 1.5
	switch {
	case atrPct < 0.01:
		mult = 1.0
	case atrPct > 0.03:
		mult = 2.0
	}
	return clamp(atrPct*mult, m.cfg.MinStopLossPct, m.cfg.MaxStopLossPct)
}

// Plan sizes an opportunity against available capital. A plan that cannot
// clear the micro-profit guard after rounding is rejected by the execution
// engine, not here.
func (m *Manager) Plan(opp scoring.Opportunity, r regime.Regime, available float64) (Plan, error) {
	regimeMult := RegimeMultiplier(r)
	if regimeMult == 0 {
		return Plan{}, ErrNoEntries
	}
	if opp.Entry <= 0 {
		return Plan{}, fmt.Errorf("opportunity %s has no entry price", opp.Symbol)
	}

	notional := m.cfg.BasePct * opp.Tier.Multiplier() * regimeMult * available
	if marketPrimed(opp, r) {
		notional *= 1.3
	}
	notional = clamp(notional, m.cfg.MinPerTrade, m.cfg.MaxPerTrade)

	if notional > available {
		// Final trade: remaining capital below the configured per-trade
		// minimum is still deployed when it clears the exchange floor.
		if available >= finalTradeFloor {
			notional = available
		} else {
			return Plan{}, ErrInsufficientCapital
		}
	}

	tpPct := m.takeProfitPct(opp.Tier)
	slPct := m.stopLossPct(opp.ATRPct)

	return Plan{
		Symbol:     opp.Symbol,
		Notional:   notional,
		Entry:      opp.Entry,
		TakeProfit: opp.Entry * (1 + tpPct),
		StopLoss:   opp.Entry * (1 - slPct),
	}, nil
}

// marketPrimed grants the sizing boost when a top-band setup fires while the
// market itself is running.
func marketPrimed(opp scoring.Opportunity, r regime.Regime) bool {
	bullside := r == regime.StrongBull || r == regime.Bull
	return bullside && opp.Tier >= scoring.TierHighConfidence
}

// ClearsProfitBuffer is the micro-profit guard: the projected gross gain
// must cover the round-trip fees plus the configured buffer. Called by the
// execution engine after tick/lot rounding.
func (m *Manager) ClearsProfitBuffer(qty, entry, tp float64) bool {
	gross := qty * (tp - entry)
	return gross >= m.cfg.MinProfitBuffer+m.cfg.Fees.RoundTrip(qty, entry, tp)
}

// Fees exposes the fee model for PnL bookkeeping.
func (m *Manager) Fees() Fees { return m.cfg.Fees }

// TrailingStop returns the stop implied by the high-water mark. The ladder:
// breakeven once up 1%, entry plus half the gain at 2%, seventy percent of
// the gain at 3%. Returns the current stop unchanged when no rung applies;
// the result never moves the stop down.
func TrailingStop(entry, highWater, currentSL float64) float64 {
	if entry <= 0 || highWater <= entry {
		return currentSL
	}
	gain := (highWater - entry) / entry

	var target float64
	switch {
	case gain >= 0.03:
		target = entry * (1 + 0.70*gain)
	case gain >= 0.02:
		target = entry * (1 + 0.50*gain)
	case gain >= 0.01:
		target = entry
	default:
		return currentSL
	}
	if target > currentSL {
		return target
	}
	return currentSL
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
