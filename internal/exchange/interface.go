package exchange

import (
	"context"
	"time"
)

// Client is the narrow contract the agent consumes. Implementations must be
// safe for concurrent use; all methods honor the context deadline.
type Client interface {
	GetSymbols(ctx context.Context) ([]SymbolRule, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetTickers(ctx context.Context) ([]Ticker, error)
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetClosedOrders(ctx context.Context, since time.Time) ([]FilledOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
}
