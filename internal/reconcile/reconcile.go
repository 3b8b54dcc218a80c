// Package reconcile converges the in-memory state, the durable files, the
// trade ledger and the live exchange toward one consistent view.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/ledger"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

// Status grades one reconciliation pass.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarn     Status = "WARN"
	StatusCritical Status = "CRITICAL"
)

// Report is the structured outcome of one pass.
type Report struct {
	Status Status    `json:"status"`
	Issues []string  `json:"issues,omitempty"`
	RanAt  time.Time `json:"ran_at"`
}

// Reconciler runs at startup and on a fixed cadence.
type Reconciler struct {
	client   exchange.Client
	store    *state.Store
	ledger   *ledger.Ledger
	universe *universe.Universe
	logger   zerolog.Logger

	// QuoteCurrency is the asset capital is denominated in.
	QuoteCurrency string
	// DustThreshold in quote currency; holdings below it are not positions.
	DustThreshold float64
}

func New(client exchange.Client, store *state.Store, led *ledger.Ledger,
	uni *universe.Universe, quote string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:        client,
		store:         store,
		ledger:        led,
		universe:      uni,
		logger:        logger.With().Str("component", "reconciler").Logger(),
		QuoteCurrency: quote,
		DustThreshold: 1.0,
	}
}

// Run executes the full pass. A healthy, already-consistent system yields an
// OK report with no issues.
func (r *Reconciler) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK, RanAt: time.Now().UTC()}
	warn := func(format string, args ...any) {
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
		if report.Status == StatusOK {
			report.Status = StatusWarn
		}
	}
	critical := func(format string, args ...any) Report {
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
		report.Status = StatusCritical
		r.logger.Error().Strs("issues", report.Issues).Msg("reconciliation critical")
		return report
	}

	balances, err := r.client.GetBalances(ctx)
	if err != nil {
		return critical("balance fetch failed: %v", err)
	}
	openOrders, err := r.client.GetOpenOrders(ctx)
	if err != nil {
		return critical("open order fetch failed: %v", err)
	}
	records, err := r.ledger.Load()
	if err != nil {
		return critical("ledger unreadable: %v", err)
	}

	snap := r.store.Snapshot()

	// Positions vs live balances.
	for symbol, pos := range snap.Positions {
		base := r.baseAsset(symbol)
		live := balances[base].Free + balances[base].Locked
		price := pos.CurrentPrice
		if price <= 0 {
			price = pos.EntryPrice
		}

		if live*price < r.DustThreshold {
			warn("position %s has no live balance (%.8f %s), removing", symbol, live, base)
			r.store.Mutate(func(s *state.Snapshot) { delete(s.Positions, symbol) })
			continue
		}
		// Held quantity shrank outside our view (partial manual sale, dust
		// sweep). Resync to the live balance or every close keeps failing
		// with InsufficientBalance.
		if live < pos.Quantity {
			adjusted := r.floorToLot(symbol, live)
			if adjusted > 0 && adjusted < pos.Quantity {
				warn("position %s quantity resynced %.8f -> %.8f from live balance", symbol, pos.Quantity, adjusted)
				r.store.Mutate(func(s *state.Snapshot) {
					p := s.Positions[symbol]
					p.Quantity = adjusted
					s.Positions[symbol] = p
				})
			}
		}
		if pos.EntryPrice <= 0 {
			if buy, ok := ledger.LastBuy(records, symbol); ok {
				warn("position %s entry reconstructed from ledger at %.8f", symbol, buy.Price)
				r.store.Mutate(func(s *state.Snapshot) {
					p := s.Positions[symbol]
					p.EntryPrice = buy.Price
					p.EntryFee = buy.Fees
					if p.HighWater < buy.Price {
						p.HighWater = buy.Price
					}
					s.Positions[symbol] = p
				})
			} else {
				warn("position %s entry unknown and ledger silent, using current price", symbol)
				r.store.Mutate(func(s *state.Snapshot) {
					p := s.Positions[symbol]
					p.EntryPrice = price
					s.Positions[symbol] = p
				})
			}
		}
	}

	// Live balances not tracked as positions.
	snap = r.store.Snapshot()
	for asset, bal := range balances {
		if asset == r.QuoteCurrency {
			continue
		}
		symbol := asset + r.QuoteCurrency
		if _, tracked := snap.Positions[symbol]; tracked {
			continue
		}
		if _, err := r.universe.Rules(symbol); err != nil {
			continue // not a market we trade
		}
		ticker, err := r.client.GetTicker(ctx, symbol)
		if err != nil || ticker.Price <= 0 {
			continue
		}
		qty := bal.Free + bal.Locked
		if qty*ticker.Price < r.DustThreshold {
			continue
		}

		entry := ticker.Price
		source := "current price"
		if buy, ok := ledger.LastBuy(records, symbol); ok {
			entry = buy.Price
			source = "ledger"
		}
		warn("adopting untracked holding %s (%.8f @ %.8f from %s)", symbol, qty, entry, source)
		pos := state.Position{
			Symbol:       symbol,
			Quantity:     qty,
			EntryPrice:   entry,
			CurrentPrice: ticker.Price,
			HighWater:    ticker.Price,
			OpenedAt:     time.Now().UTC(),
			Strategy:     string(state.ReasonHistorySync),
		}
		r.store.Mutate(func(s *state.Snapshot) { s.Positions[symbol] = pos })
	}

	// Pending buys vs live open orders.
	liveOrders := make(map[string]exchange.Order, len(openOrders))
	for _, o := range openOrders {
		liveOrders[o.ID] = o
	}
	snap = r.store.Snapshot()
	trackedOrders := make(map[string]bool, len(snap.PendingBuys))
	for symbol, pb := range snap.PendingBuys {
		trackedOrders[pb.OrderID] = true
		if _, live := liveOrders[pb.OrderID]; !live {
			warn("pending buy %s (order %s) not on the book, dropping", symbol, pb.OrderID)
			r.store.Mutate(func(s *state.Snapshot) { delete(s.PendingBuys, symbol) })
		}
	}
	for id, o := range liveOrders {
		if trackedOrders[id] || o.Side != exchange.SideBuy {
			continue
		}
		warn("adopting untracked open order %s for %s", id, o.Symbol)
		notional := o.Notional
		if notional == 0 {
			notional = o.Quantity * o.Price
		}
		pb := state.PendingBuy{
			Symbol:   o.Symbol,
			OrderID:  id,
			Notional: notional,
			Quantity: o.Quantity,
			Price:    o.Price,
			PlacedAt: o.CreatedAt,
		}
		r.store.Mutate(func(s *state.Snapshot) { s.PendingBuys[o.Symbol] = pb })
	}

	// Capital awareness from authoritative numbers.
	r.store.RecomputeCapital(balances[r.QuoteCurrency].Free)

	if report.Status != StatusOK {
		r.logger.Warn().Strs("issues", report.Issues).Msg("reconciliation repaired drift")
	} else {
		r.logger.Debug().Msg("reconciliation clean")
	}
	return report
}

// floorToLot rounds a quantity down to the symbol's lot size when the rule
// is known; otherwise it is returned unchanged.
func (r *Reconciler) floorToLot(symbol string, qty float64) float64 {
	rule, err := r.universe.Rules(symbol)
	if err != nil || rule.Lot.IsZero() {
		return qty
	}
	out, _ := decimal.NewFromFloat(qty).Div(rule.Lot).Floor().Mul(rule.Lot).Float64()
	return out
}

// baseAsset resolves a symbol's base via the rule cache, falling back to
// stripping the quote suffix.
func (r *Reconciler) baseAsset(symbol string) string {
	if rule, err := r.universe.Rules(symbol); err == nil && rule.Base != "" {
		return rule.Base
	}
	return strings.TrimSuffix(symbol, r.QuoteCurrency)
}
