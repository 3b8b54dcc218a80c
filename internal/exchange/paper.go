package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PaperClient simulates the account side of the exchange while delegating all
// market-data reads to a real client. Orders never leave the process: market
// orders fill instantly at the live price, limit orders rest until a polled
// price crosses them. Used when PAPER_TRADING=true.
type PaperClient struct {
	market Client // real client used for market data only

	mu       sync.Mutex
	nextID   int64
	balances map[string]Balance
	open     map[string]Order
	fills    []FilledOrder
	takerFee float64
	quote    string
	logger   zerolog.Logger
}

// NewPaperClient seeds a simulated account with the given quote balance.
func NewPaperClient(market Client, quoteAsset string, startingQuote float64, logger zerolog.Logger) *PaperClient {
	return &PaperClient{
		market: market,
		nextID: 1,
		balances: map[string]Balance{
			quoteAsset: {Asset: quoteAsset, Free: startingQuote},
		},
		open:     make(map[string]Order),
		takerFee: 0.001,
		quote:    quoteAsset,
		logger:   logger.With().Str("component", "paper_exchange").Logger(),
	}
}

func (p *PaperClient) GetSymbols(ctx context.Context) ([]SymbolRule, error) {
	return p.market.GetSymbols(ctx)
}

func (p *PaperClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	t, err := p.market.GetTicker(ctx, symbol)
	if err == nil {
		p.settleAgainst(symbol, t.Price)
	}
	return t, err
}

func (p *PaperClient) GetTickers(ctx context.Context) ([]Ticker, error) {
	tickers, err := p.market.GetTickers(ctx)
	if err == nil {
		for _, t := range tickers {
			p.settleAgainst(t.Symbol, t.Price)
		}
	}
	return tickers, err
}

func (p *PaperClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return p.market.GetCandles(ctx, symbol, timeframe, limit)
}

func (p *PaperClient) GetBalances(ctx context.Context) (map[string]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]Order, 0, len(p.open))
	for _, o := range p.open {
		orders = append(orders, o)
	}
	return orders, nil
}

func (p *PaperClient) GetClosedOrders(ctx context.Context, since time.Time) ([]FilledOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fills []FilledOrder
	for _, f := range p.fills {
		if !f.FilledAt.Before(since) {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// PlaceOrder simulates placement. Market orders fill at the current ticker
// price; limit orders rest in the book.
func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	price := req.Price
	if req.Type == TypeMarket {
		t, err := p.market.GetTicker(ctx, req.Symbol)
		if err != nil {
			return "", err
		}
		price = t.Price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := strconv.FormatInt(p.nextID, 10)
	p.nextID++

	order := Order{
		ID:        id,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     price,
		Notional:  req.Quantity * price,
		CreatedAt: time.Now(),
	}

	if req.Side == SideBuy {
		quote := p.balances[p.quote]
		if quote.Free < order.Notional {
			return "", NewError(KindInsufficientBalance, "place_order", req.Symbol, "insufficient simulated quote balance", nil)
		}
		quote.Free -= order.Notional
		quote.Locked += order.Notional
		p.balances[p.quote] = quote
	} else {
		base := p.baseAsset(req.Symbol)
		bal := p.balances[base]
		if bal.Free < req.Quantity {
			return "", NewError(KindInsufficientBalance, "place_order", req.Symbol, "insufficient simulated base balance", nil)
		}
		bal.Free -= req.Quantity
		bal.Locked += req.Quantity
		p.balances[base] = bal
	}

	if req.Type == TypeMarket {
		p.fill(order, price)
	} else {
		p.open[id] = order
	}
	p.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("type", string(req.Type)).Float64("qty", req.Quantity).Float64("price", price).
		Msg("paper order placed")
	return id, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.open[orderID]
	if !ok {
		return NewError(KindUnknownSymbol, "cancel_order", "", "order not found", nil)
	}
	delete(p.open, orderID)

	if order.Side == SideBuy {
		quote := p.balances[p.quote]
		quote.Locked -= order.Notional
		quote.Free += order.Notional
		p.balances[p.quote] = quote
	} else {
		base := p.baseAsset(order.Symbol)
		bal := p.balances[base]
		bal.Locked -= order.Quantity
		bal.Free += order.Quantity
		p.balances[base] = bal
	}
	return nil
}

// settleAgainst fills any resting limit order the given price crosses.
func (p *PaperClient) settleAgainst(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, order := range p.open {
		if order.Symbol != symbol {
			continue
		}
		crossed := (order.Side == SideBuy && price <= order.Price) ||
			(order.Side == SideSell && price >= order.Price)
		if crossed {
			delete(p.open, id)
			p.fill(order, order.Price)
		}
	}
}

// fill applies a fill to the simulated balances. Caller holds the mutex.
func (p *PaperClient) fill(order Order, price float64) {
	base := p.baseAsset(order.Symbol)
	fee := order.Quantity * price * p.takerFee

	if order.Side == SideBuy {
		quote := p.balances[p.quote]
		quote.Locked -= order.Notional
		p.balances[p.quote] = quote

		bal := p.balances[base]
		bal.Asset = base
		bal.Free += order.Quantity
		p.balances[base] = bal
	} else {
		bal := p.balances[base]
		bal.Locked -= order.Quantity
		p.balances[base] = bal

		quote := p.balances[p.quote]
		quote.Free += order.Quantity*price - fee
		p.balances[p.quote] = quote
	}

	p.fills = append(p.fills, FilledOrder{
		ID:       order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    price,
		Fee:      fee,
		FilledAt: time.Now(),
	})
}

func (p *PaperClient) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, p.quote)
}
