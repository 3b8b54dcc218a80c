// Package execution places and cancels orders with exchange-rule
// normalization, duplicate suppression and crash-safe bookkeeping.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/ledger"
	"spot-trading-agent/internal/risk"
	"spot-trading-agent/internal/state"
	"spot-trading-agent/internal/universe"
)

var (
	// ErrDuplicateInFlight rejects a second entry attempt for a symbol that
	// already has a position or pending buy.
	ErrDuplicateInFlight = errors.New("symbol already has a position or pending buy")
	// ErrBelowMinimum means the order rounds to nothing tradable.
	ErrBelowMinimum = errors.New("order below exchange minimum after rounding")
	// ErrMicroProfit rejects entries whose projected gain cannot clear fees.
	ErrMicroProfit = errors.New("projected profit does not clear fees and buffer")
	// ErrReconcileNeeded asks the agent to run a reconciliation pass before
	// retrying; the exchange disagrees with our view of the balance.
	ErrReconcileNeeded = errors.New("exchange balance disagrees with state, reconciliation needed")
)

// Engine drives the order lifecycle. All mutation goes through the state
// store's single-writer discipline; the engine itself is called only from
// the agent loop.
type Engine struct {
	client   exchange.Client
	universe *universe.Universe
	risk     *risk.Manager
	store    *state.Store
	ledger   *ledger.Ledger
	mirror   *ledger.TradeStore // optional
	logger   zerolog.Logger

	// PendingTTL is how long an unfilled entry order may rest.
	PendingTTL time.Duration
}

func NewEngine(client exchange.Client, uni *universe.Universe, riskMgr *risk.Manager,
	store *state.Store, led *ledger.Ledger, mirror *ledger.TradeStore, logger zerolog.Logger) *Engine {
	return &Engine{
		client:     client,
		universe:   uni,
		risk:       riskMgr,
		store:      store,
		ledger:     led,
		mirror:     mirror,
		logger:     logger.With().Str("component", "execution").Logger(),
		PendingTTL: 2 * time.Minute,
	}
}

// Entry captures what Open needs beyond the sizing plan.
type Entry struct {
	Plan     risk.Plan
	Regime   string
	Strategy string
}

// Open places the entry order for a plan. The pending buy is recorded in
// state before the network call; a transport failure rolls it back.
func (e *Engine) Open(ctx context.Context, entry Entry) (state.PendingBuy, error) {
	symbol := entry.Plan.Symbol
	snap := e.store.Snapshot()
	if _, exists := snap.Positions[symbol]; exists {
		return state.PendingBuy{}, fmt.Errorf("%s: %w", symbol, ErrDuplicateInFlight)
	}
	if _, exists := snap.PendingBuys[symbol]; exists {
		return state.PendingBuy{}, fmt.Errorf("%s: %w", symbol, ErrDuplicateInFlight)
	}

	rule, err := e.universe.Rules(symbol)
	if err != nil {
		return state.PendingBuy{}, err
	}

	price := normalizePrice(entry.Plan.Entry, rule.Tick)
	qty := normalizeQty(entry.Plan.Notional/price, rule.Lot)
	if qty <= 0 {
		return state.PendingBuy{}, fmt.Errorf("%s: %w", symbol, ErrBelowMinimum)
	}

	// Rounding down can drop the notional under the exchange minimum; one
	// extra lot restores it.
	minNotional, _ := rule.MinNotional.Float64()
	lot, _ := rule.Lot.Float64()
	if qty*price < minNotional {
		qty = normalizeQty(qty+lot, rule.Lot)
	}
	if qty*price < minNotional {
		return state.PendingBuy{}, fmt.Errorf("%s: %w", symbol, ErrBelowMinimum)
	}

	tp := normalizePrice(entry.Plan.TakeProfit, rule.Tick)
	if !e.risk.ClearsProfitBuffer(qty, price, tp) {
		return state.PendingBuy{}, fmt.Errorf("%s: %w", symbol, ErrMicroProfit)
	}

	pending := state.PendingBuy{
		Symbol:     symbol,
		Notional:   qty * price,
		Quantity:   qty,
		Price:      price,
		TakeProfit: tp,
		StopLoss:   normalizePrice(entry.Plan.StopLoss, rule.Tick),
		Strategy:   entry.Strategy,
		Regime:     entry.Regime,
		PlacedAt:   time.Now().UTC(),
	}
	e.store.Mutate(func(s *state.Snapshot) {
		s.PendingBuys[symbol] = pending
	})

	orderID, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     exchange.SideBuy,
		Type:     exchange.TypeLimit,
		Quantity: qty,
		Price:    price,
	})
	if err != nil {
		e.store.Mutate(func(s *state.Snapshot) {
			delete(s.PendingBuys, symbol)
		})
		if exchange.IsKind(err, exchange.KindPriceIncrementInvalid) {
			e.logger.Warn().Str("symbol", symbol).Msg("price increment rejected, rules are stale")
		}
		return state.PendingBuy{}, err
	}

	pending.OrderID = orderID
	e.store.Mutate(func(s *state.Snapshot) {
		s.PendingBuys[symbol] = pending
		s.Daily.OrdersPlaced++
	})

	e.logger.Info().
		Str("symbol", symbol).
		Float64("price", price).
		Float64("qty", qty).
		Float64("notional", pending.Notional).
		Str("strategy", entry.Strategy).
		Msg("entry order placed")
	return pending, nil
}

// Close exits a position. TAKE_PROFIT and RECYCLE_PROFIT go out as limit
// maker orders at the take-profit price; everything else is a market order.
// The ledger append happens before the position leaves state, so a crash in
// between is repaired by reconciliation instead of losing the trade.
func (e *Engine) Close(ctx context.Context, pos state.Position, reason state.CloseReason) (ledger.Record, error) {
	rule, err := e.universe.Rules(pos.Symbol)
	if err != nil {
		return ledger.Record{}, err
	}

	qty := normalizeQty(pos.Quantity, rule.Lot)
	if qty <= 0 {
		return ledger.Record{}, fmt.Errorf("%s: %w", pos.Symbol, ErrBelowMinimum)
	}

	req := exchange.OrderRequest{Symbol: pos.Symbol, Side: exchange.SideSell, Quantity: qty}
	var exitPrice float64
	switch reason {
	case state.ReasonTakeProfit, state.ReasonRecycleProfit:
		req.Type = exchange.TypeLimit
		req.Price = normalizePrice(pos.TakeProfit, rule.Tick)
		exitPrice = req.Price
	default:
		req.Type = exchange.TypeMarket
		exitPrice = pos.CurrentPrice
	}

	if _, err := e.client.PlaceOrder(ctx, req); err != nil {
		if exchange.IsKind(err, exchange.KindInsufficientBalance) {
			// The held quantity shrank outside our view (dust sweep,
			// manual sale). Do not retry blindly.
			return ledger.Record{}, fmt.Errorf("close %s: %w", pos.Symbol, ErrReconcileNeeded)
		}
		return ledger.Record{}, err
	}

	// Limit exits book at the limit price without waiting for the fill:
	// the order sits at or better than the touch, and a resting remainder
	// surfaces in the next reconciliation pass, which corrects the
	// position view against live balances.
	fees := e.risk.Fees().RoundTrip(qty, pos.EntryPrice, exitPrice)
	pnl := qty*(exitPrice-pos.EntryPrice) - fees
	rec := ledger.Record{
		ID:          ledger.NewID(),
		Symbol:      pos.Symbol,
		Side:        exchange.SideSell,
		Quantity:    qty,
		Price:       exitPrice,
		Fees:        fees,
		Timestamp:   time.Now().UTC(),
		Reason:      reason,
		RealizedPnL: pnl,
		Source:      ledger.SourceActive,
		Regime:      pos.RegimeAtOpen,
	}
	if err := e.ledger.Append(rec); err != nil {
		return ledger.Record{}, fmt.Errorf("ledger append before close of %s: %w", pos.Symbol, err)
	}

	e.store.Mutate(func(s *state.Snapshot) {
		delete(s.Positions, pos.Symbol)
		s.Daily.Trades++
		if pnl >= 0 {
			s.Daily.Wins++
		} else {
			s.Daily.Losses++
		}
		s.Daily.RealizedPnL += pnl
		s.Daily.FeesPaid += fees
		s.Daily.OrdersPlaced++
		s.Daily.OrdersFilled++
	})

	if e.mirror != nil {
		if err := e.mirror.InsertTrade(ctx, rec); err != nil {
			e.logger.Warn().Err(err).Msg("trade store mirror write failed")
		}
		if err := e.mirror.DeletePosition(ctx, pos.Symbol); err != nil {
			e.logger.Warn().Err(err).Msg("trade store position delete failed")
		}
	}

	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")
	return rec, nil
}

// CancelStalePending cancels entry orders older than PendingTTL and returns
// their reserved notional to capital.
func (e *Engine) CancelStalePending(ctx context.Context) int {
	snap := e.store.Snapshot()
	canceled := 0
	for symbol, pb := range snap.PendingBuys {
		if time.Since(pb.PlacedAt) < e.PendingTTL {
			continue
		}
		if pb.OrderID != "" {
			if err := e.client.CancelOrder(ctx, pb.OrderID); err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("stale pending cancel failed")
				continue
			}
		}
		e.store.Mutate(func(s *state.Snapshot) {
			delete(s.PendingBuys, symbol)
			s.Daily.OrdersCanceled++
		})
		canceled++
		e.logger.Info().Str("symbol", symbol).Msg("stale pending buy canceled")
	}
	return canceled
}

// PromoteFilled promotes pending buys whose orders have filled into
// positions, recording the buy in the ledger. Orders gone from the book
// without a matching fill are dropped (canceled externally).
func (e *Engine) PromoteFilled(ctx context.Context) error {
	snap := e.store.Snapshot()
	if len(snap.PendingBuys) == 0 {
		return nil
	}

	open, err := e.client.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}

	var oldest time.Time
	for _, pb := range snap.PendingBuys {
		if oldest.IsZero() || pb.PlacedAt.Before(oldest) {
			oldest = pb.PlacedAt
		}
	}
	fills, err := e.client.GetClosedOrders(ctx, oldest)
	if err != nil {
		return err
	}
	fillByID := make(map[string]exchange.FilledOrder, len(fills))
	for _, f := range fills {
		fillByID[f.ID] = f
	}

	for symbol, pb := range snap.PendingBuys {
		if openIDs[pb.OrderID] {
			continue // still resting
		}
		fill, filled := fillByID[pb.OrderID]
		if !filled {
			e.store.Mutate(func(s *state.Snapshot) {
				delete(s.PendingBuys, symbol)
			})
			e.logger.Warn().Str("symbol", symbol).Msg("pending order vanished without fill, dropped")
			continue
		}

		rec := ledger.Record{
			ID:        ledger.NewID(),
			Symbol:    symbol,
			Side:      exchange.SideBuy,
			Quantity:  fill.Quantity,
			Price:     fill.Price,
			Fees:      fill.Fee,
			Timestamp: fill.FilledAt,
			Source:    ledger.SourceActive,
		}
		if err := e.ledger.Append(rec); err != nil {
			return fmt.Errorf("ledger append for %s fill: %w", symbol, err)
		}

		pos := state.Position{
			Symbol:       symbol,
			Quantity:     fill.Quantity,
			EntryPrice:   fill.Price,
			EntryFee:     fill.Fee,
			CurrentPrice: fill.Price,
			TakeProfit:   pb.TakeProfit,
			StopLoss:     pb.StopLoss,
			HighWater:    fill.Price,
			OpenedAt:     fill.FilledAt,
			RegimeAtOpen: pb.Regime,
			Strategy:     pb.Strategy,
		}
		e.store.Mutate(func(s *state.Snapshot) {
			delete(s.PendingBuys, symbol)
			s.Positions[symbol] = pos
			s.Daily.OrdersFilled++
		})

		if e.mirror != nil {
			if err := e.mirror.UpsertPosition(ctx, pos); err != nil {
				e.logger.Warn().Err(err).Msg("trade store position mirror failed")
			}
		}
		e.logger.Info().
			Str("symbol", symbol).
			Float64("entry", fill.Price).
			Float64("qty", fill.Quantity).
			Msg("entry filled, position opened")
	}
	return nil
}

// normalizePrice floors price to a multiple of tick.
func normalizePrice(price float64, tick decimal.Decimal) float64 {
	if tick.IsZero() {
		return price
	}
	p := decimal.NewFromFloat(price)
	out, _ := p.Div(tick).Floor().Mul(tick).Float64()
	return out
}

// normalizeQty floors qty to a multiple of lot.
func normalizeQty(qty float64, lot decimal.Decimal) float64 {
	if lot.IsZero() {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	out, _ := q.Div(lot).Floor().Mul(lot).Float64()
	return out
}
