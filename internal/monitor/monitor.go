// Package monitor evaluates open positions each cycle against their exit
// triggers and advances trailing stops.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/risk"
	"spot-trading-agent/internal/state"
)

// CloseRequest is one exit decision, executed by the agent loop in the
// order returned.
type CloseRequest struct {
	Position state.Position
	Reason   state.CloseReason
}

// Config tunes the exit rules.
type Config struct {
	// DustThreshold is the position value below which the holding is swept
	// from state without a sell (not worth an order).
	DustThreshold float64
	// DecayTimeout is the age after which a going-nowhere position is cut.
	DecayTimeout time.Duration
	// DecayMaxGain: below this unrealized gain an aged position counts as
	// going nowhere.
	DecayMaxGain float64
	// RecycleMinGain is the small profit required before capital recycling
	// may fire.
	RecycleMinGain float64
	// RecycleScore: a current composite under this means the entry thesis
	// has decayed.
	RecycleScore float64
}

func DefaultConfig() Config {
	return Config{
		DustThreshold:  1.0,
		DecayTimeout:   2 * time.Hour,
		DecayMaxGain:   0.005,
		RecycleMinGain: 0.005,
		RecycleScore:   55,
	}
}

// Monitor owns no state; it reads tickers, updates positions through the
// store and emits close requests.
type Monitor struct {
	client  exchange.Client
	store   *state.Store
	riskMgr *risk.Manager
	cfg     Config
	logger  zerolog.Logger
}

func New(client exchange.Client, store *state.Store, riskMgr *risk.Manager, cfg Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		client:  client,
		store:   store,
		riskMgr: riskMgr,
		cfg:     cfg,
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// Evaluate refreshes prices for every open position, advances trailing
// stops, sweeps dust and returns the exits to execute. scores carries the
// current cycle's composite per symbol (absent means not scanned this
// cycle). Requests come back in deterministic order: symbol ascending, then
// rule priority. The second return is true when a position failed the
// structural invariant checks this pass and was quarantined; the caller
// should schedule a reconciliation.
func (m *Monitor) Evaluate(ctx context.Context, scores map[string]float64) ([]CloseRequest, bool, error) {
	snap := m.store.Snapshot()
	if len(snap.Positions) == 0 {
		return nil, false, nil
	}

	tickers, err := m.client.GetTickers(ctx)
	if err != nil {
		return nil, false, err
	}
	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		prices[t.Symbol] = t.Price
	}

	var dust []string
	type violation struct{ symbol, why string }
	var flagged []violation
	updated := m.store.Mutate(func(s *state.Snapshot) {
		for symbol, pos := range s.Positions {
			if !pos.Quarantined {
				if why, bad := invariantViolation(pos); bad {
					pos.Quarantined = true
					s.Positions[symbol] = pos
					flagged = append(flagged, violation{symbol: symbol, why: why})
					continue
				}
			}
			price, ok := prices[symbol]
			if !ok || price <= 0 {
				continue
			}
			pos.CurrentPrice = price
			if price > pos.HighWater {
				pos.HighWater = price
			}
			if next := risk.TrailingStop(pos.EntryPrice, pos.HighWater, pos.StopLoss); next > pos.StopLoss {
				m.logger.Info().
					Str("symbol", symbol).
					Float64("stop", next).
					Float64("high_water", pos.HighWater).
					Msg("trailing stop advanced")
				pos.StopLoss = next
			}
			if pos.Value() < m.cfg.DustThreshold {
				dust = append(dust, symbol)
			}
			s.Positions[symbol] = pos
		}
		for _, symbol := range dust {
			delete(s.Positions, symbol)
		}
	})

	for _, symbol := range dust {
		m.logger.Warn().Str("symbol", symbol).Msg("dust position swept from state")
	}
	for _, v := range flagged {
		m.logger.Error().
			Str("symbol", v.symbol).
			Str("violation", v.why).
			Msg("position failed invariant checks, quarantined until day roll")
	}

	var requests []CloseRequest
	for _, pos := range updated.Positions {
		if pos.Quarantined {
			continue
		}
		if reason, ok := m.exitReason(pos, scores); ok {
			requests = append(requests, CloseRequest{Position: pos, Reason: reason})
		}
	}

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].Position.Symbol != requests[j].Position.Symbol {
			return requests[i].Position.Symbol < requests[j].Position.Symbol
		}
		return reasonPriority(requests[i].Reason) < reasonPriority(requests[j].Reason)
	})
	return requests, len(flagged) > 0, nil
}

// invariantViolation reports a structurally impossible position. Exit rules
// cannot be trusted for one of these, so it is quarantined instead of
// traded. A stop at or above entry is legitimate once a trailing rung has
// fired, which needs the high water up at least 1%.
func invariantViolation(pos state.Position) (string, bool) {
	switch {
	case pos.Quantity <= 0:
		return "non-positive quantity", true
	case pos.TakeProfit <= pos.EntryPrice:
		return "take profit at or below entry", true
	case pos.StopLoss >= pos.EntryPrice && pos.HighWater < pos.EntryPrice*1.01:
		return "stop loss at or above entry without trailing gain", true
	}
	return "", false
}

// exitReason applies the rule chain in priority order; the first match wins.
func (m *Monitor) exitReason(pos state.Position, scores map[string]float64) (state.CloseReason, bool) {
	gain := pos.UnrealizedGain()

	if pos.CurrentPrice <= pos.StopLoss {
		return state.ReasonStopLoss, true
	}
	if pos.CurrentPrice >= pos.TakeProfit &&
		m.riskMgr.ClearsProfitBuffer(pos.Quantity, pos.EntryPrice, pos.CurrentPrice) {
		return state.ReasonTakeProfit, true
	}
	if score, scanned := scores[pos.Symbol]; scanned &&
		score < m.cfg.RecycleScore && gain >= m.cfg.RecycleMinGain {
		return state.ReasonRecycleProfit, true
	}
	if time.Since(pos.OpenedAt) > m.cfg.DecayTimeout && gain < m.cfg.DecayMaxGain {
		return state.ReasonAlphaDecay, true
	}
	return "", false
}

func reasonPriority(r state.CloseReason) int {
	switch r {
	case state.ReasonStopLoss:
		return 0
	case state.ReasonTakeProfit:
		return 1
	case state.ReasonRecycleProfit:
		return 2
	case state.ReasonAlphaDecay:
		return 3
	default:
		return 4
	}
}
