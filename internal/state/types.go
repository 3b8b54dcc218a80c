// Package state owns the authoritative in-memory view of the agent: open
// positions, pending buys, capital awareness, daily counters. Mutation goes
// through a single writer; readers work on immutable snapshots.
package state

import "time"

// CloseReason is the enumerated cause for exiting a position. It doubles as
// the strategy tag recorded against learning buckets.
type CloseReason string

const (
	ReasonTakeProfit    CloseReason = "TAKE_PROFIT"
	ReasonStopLoss      CloseReason = "STOP_LOSS"
	ReasonRecycleProfit CloseReason = "RECYCLE_PROFIT"
	ReasonAlphaDecay    CloseReason = "ALPHA_DECAY"
	ReasonHistorySync   CloseReason = "HISTORY_SYNC"
)

// AgentMode is the coarse behavioral stance persisted with the snapshot.
type AgentMode string

const (
	ModeHunting   AgentMode = "HUNTING"   // normal, entries allowed
	ModeCautious  AgentMode = "CAUTIOUS"  // degraded inputs, reduced sizing
	ModeObserving AgentMode = "OBSERVING" // circuit breaker tripped, close-only
)

// Position is one open spot holding.
type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	EntryFee     float64   `json:"entry_fee"`
	CurrentPrice float64   `json:"current_price"`
	TakeProfit   float64   `json:"take_profit"`
	StopLoss     float64   `json:"stop_loss"`
	HighWater    float64   `json:"high_water"` // trailing high-water mark
	OpenedAt     time.Time `json:"opened_at"`
	RegimeAtOpen string    `json:"regime_at_open"`
	Strategy     string    `json:"strategy"`
	Quarantined  bool      `json:"quarantined,omitempty"`
}

// UnrealizedGain is the fractional move from entry.
func (p Position) UnrealizedGain() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
}

// Value is the current quote-currency worth of the holding.
func (p Position) Value() float64 { return p.Quantity * p.CurrentPrice }

// PendingBuy is an entry order awaiting fill. It reserves quote notional in
// capital awareness until promoted, canceled, or expired.
type PendingBuy struct {
	Symbol     string    `json:"symbol"`
	OrderID    string    `json:"order_id"`
	Notional   float64   `json:"notional"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	TakeProfit float64   `json:"take_profit"`
	StopLoss   float64   `json:"stop_loss"`
	Strategy   string    `json:"strategy"`
	Regime     string    `json:"regime"`
	PlacedAt   time.Time `json:"placed_at"`
}

// CapitalAwareness is recomputed every cycle from authoritative numbers.
// Total must always equal Available + Locked + Holdings.
type CapitalAwareness struct {
	Available float64 `json:"available"` // free quote currency
	Locked    float64 `json:"locked"`    // reserved in pending buys
	Holdings  float64 `json:"holdings"`  // open positions at current prices
	Total     float64 `json:"total"`
}

// DailyCounters reset at the configured day boundary.
type DailyCounters struct {
	Day            string  `json:"day"` // YYYY-MM-DD in the agent's location
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	RealizedPnL    float64 `json:"realized_pnl"`
	FeesPaid       float64 `json:"fees_paid"`
	OrdersPlaced   int     `json:"orders_placed"`
	OrdersFilled   int     `json:"orders_filled"`
	OrdersCanceled int     `json:"orders_canceled"`
}

// Snapshot is the immutable view handed to readers and the durable file
// payload. Maps are keyed by symbol.
type Snapshot struct {
	SchemaVersion int                   `json:"schema_version"`
	Version       uint64                `json:"version"`
	Positions     map[string]Position   `json:"positions"`
	PendingBuys   map[string]PendingBuy `json:"pending_buys"`
	Capital       CapitalAwareness      `json:"capital_awareness"`
	Daily         DailyCounters         `json:"daily_counters"`
	LastRegime    string                `json:"last_regime"`
	Mode          AgentMode             `json:"agent_mode"`
	UpdatedAt     time.Time             `json:"updated_at"`
}
