package agent

import (
	"sync"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/reconcile"
	"spot-trading-agent/internal/state"
)

// Breaker is the admission-control switch: after configured adverse events
// the agent stops opening positions and runs close-only until conditions
// clear. Monitoring and exits are never blocked.
type Breaker struct {
	logger zerolog.Logger

	// DailyLossLimit is a positive number; realized daily PnL at or below
	// its negative trips the breaker.
	DailyLossLimit float64
	// MaxConsecutiveLosses trips the breaker regardless of magnitude.
	MaxConsecutiveLosses int

	mu           sync.Mutex
	consecLosses int
	lastCritical bool
}

func NewBreaker(dailyLossLimit float64, maxConsecutiveLosses int, logger zerolog.Logger) *Breaker {
	return &Breaker{
		logger:               logger.With().Str("component", "circuit_breaker").Logger(),
		DailyLossLimit:       dailyLossLimit,
		MaxConsecutiveLosses: maxConsecutiveLosses,
	}
}

// RecordTrade folds one realized outcome into the loss streak.
func (b *Breaker) RecordTrade(pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pnl < 0 {
		b.consecLosses++
		if b.consecLosses == b.MaxConsecutiveLosses {
			b.logger.Warn().Int("streak", b.consecLosses).Msg("consecutive loss limit reached")
		}
	} else {
		b.consecLosses = 0
	}
}

// NoteReport remembers whether the last reconciliation was CRITICAL.
func (b *Breaker) NoteReport(status reconcile.Status) {
	b.mu.Lock()
	b.lastCritical = status == reconcile.StatusCritical
	b.mu.Unlock()
}

// ResetDay clears the loss streak at the day boundary. The daily PnL gate
// resets itself because the counters roll.
func (b *Breaker) ResetDay() {
	b.mu.Lock()
	b.consecLosses = 0
	b.mu.Unlock()
}

// CanTrade reports whether new entries are admitted, with the blocking
// reason when not.
func (b *Breaker) CanTrade(daily state.DailyCounters) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DailyLossLimit > 0 && daily.RealizedPnL <= -b.DailyLossLimit {
		return false, "daily loss limit reached"
	}
	if b.MaxConsecutiveLosses > 0 && b.consecLosses >= b.MaxConsecutiveLosses {
		return false, "consecutive loss streak"
	}
	if b.lastCritical {
		return false, "last reconciliation was critical"
	}
	return true, ""
}
