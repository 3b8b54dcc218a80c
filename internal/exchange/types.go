package exchange

import "time"

// SymbolRule carries the exchange-enforced trading constraints for a symbol.
// Tick/lot/min-notional are kept as strings on the wire; the universe package
// converts them to decimals.
type SymbolRule struct {
	Symbol      string `json:"symbol"`
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
	Status      string `json:"status"`
	TickSize    string `json:"tickSize"`
	LotSize     string `json:"lotSize"`
	MinNotional string `json:"minNotional"`
}

// Active reports whether the symbol is currently tradable.
func (r SymbolRule) Active() bool { return r.Status == "TRADING" }

// Ticker is a 24h rolling snapshot for one symbol.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price,string"`
	Volume24h   float64 `json:"volume24h,string"`
	Change24h   float64 `json:"change24h,string"` // fractional, 0.05 = +5%
	Bid         float64 `json:"bid,string"`
	Ask         float64 `json:"ask,string"`
	RetrievedAt time.Time
}

// Candle is one closed OHLCV bar.
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is limit or market.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderRequest is the normalized payload for place_order.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity float64
	Price    float64 // ignored for market orders
	ClientID string
}

// Order is a live open order as the exchange reports it.
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Quantity  float64
	Price     float64
	Notional  float64 // reserved quote funds for buys
	CreatedAt time.Time
}

// FilledOrder is a historical fill from the closed-order feed.
type FilledOrder struct {
	ID       string
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	Fee      float64
	FilledAt time.Time
}

// Balance is one asset's free/locked split.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}
