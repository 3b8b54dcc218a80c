package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MockClient is a scripted in-memory exchange for tests. Fields are plain
// maps/slices the test mutates directly; every method is mutex-guarded.
type MockClient struct {
	mu sync.Mutex

	Symbols     []SymbolRule
	Tickers     map[string]Ticker
	Candles     map[string][]Candle // keyed "SYMBOL/timeframe"
	Balances    map[string]Balance
	Open        []Order
	Closed      []FilledOrder
	Placed      []OrderRequest
	Canceled    []string
	PlaceErr    error
	CancelErr   error
	TickerErr   error
	SymbolsErr  error
	BalancesErr error
	nextID      int64
}

// NewMockClient returns an empty scripted exchange.
func NewMockClient() *MockClient {
	return &MockClient{
		Tickers:  make(map[string]Ticker),
		Candles:  make(map[string][]Candle),
		Balances: make(map[string]Balance),
		nextID:   1,
	}
}

// SetTicker scripts the ticker for a symbol.
func (m *MockClient) SetTicker(symbol string, price, volume, change float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tickers[symbol] = Ticker{
		Symbol: symbol, Price: price, Volume24h: volume, Change24h: change,
		Bid: price * 0.9995, Ask: price * 1.0005, RetrievedAt: time.Now(),
	}
}

// SetCandles scripts candles for a symbol/timeframe pair.
func (m *MockClient) SetCandles(symbol, timeframe string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candles[symbol+"/"+timeframe] = candles
}

func (m *MockClient) GetSymbols(ctx context.Context) ([]SymbolRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SymbolsErr != nil {
		return nil, m.SymbolsErr
	}
	return append([]SymbolRule(nil), m.Symbols...), nil
}

func (m *MockClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	t, ok := m.Tickers[symbol]
	if !ok {
		return nil, NewError(KindUnknownSymbol, "get_ticker", symbol, "no scripted ticker", nil)
	}
	return &t, nil
}

func (m *MockClient) GetTickers(ctx context.Context) ([]Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	tickers := make([]Ticker, 0, len(m.Tickers))
	for _, t := range m.Tickers {
		tickers = append(tickers, t)
	}
	return tickers, nil
}

func (m *MockClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.Candles[symbol+"/"+timeframe]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]Candle(nil), candles...), nil
}

func (m *MockClient) GetBalances(ctx context.Context) (map[string]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalancesErr != nil {
		return nil, m.BalancesErr
	}
	out := make(map[string]Balance, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.Open...), nil
}

func (m *MockClient) GetClosedOrders(ctx context.Context, since time.Time) ([]FilledOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fills []FilledOrder
	for _, f := range m.Closed {
		if !f.FilledAt.Before(since) {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	m.Placed = append(m.Placed, req)
	id := strconv.FormatInt(m.nextID, 10)
	m.nextID++
	return id, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Canceled = append(m.Canceled, orderID)
	for i, o := range m.Open {
		if o.ID == orderID {
			m.Open = append(m.Open[:i], m.Open[i+1:]...)
			break
		}
	}
	return nil
}
