package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// RESTClient talks to the exchange's spot REST API. It signs private calls
// with HMAC-SHA256, throttles through per-family token buckets, and trips an
// availability breaker after repeated transport failures so the agent sees
// ExchangeUnavailable instead of hammering a dead endpoint.
type RESTClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// RESTConfig holds REST client construction parameters.
type RESTConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Timeout   time.Duration // per-request; default 10s
}

// NewRESTClient creates a spot REST client.
func NewRESTClient(cfg RESTConfig, logger zerolog.Logger) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    "exchange-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &RESTClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger.With().Str("component", "exchange").Logger(),
	}
}

// apiError is the exchange's error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// Exchange business error codes.
const (
	codeUnknownSymbol       = -1121
	codePriceFilter         = -1013
	codeInsufficientBalance = -2010
)

func (c *RESTClient) get(ctx context.Context, family EndpointFamily, op, path string, params url.Values, out interface{}) error {
	return c.do(ctx, family, op, http.MethodGet, path, params, false, out)
}

func (c *RESTClient) do(ctx context.Context, family EndpointFamily, op, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx, family); err != nil {
		return NewError(KindTransport, op, "", "rate limiter wait canceled", err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, op, method, path, params, signed)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return NewError(KindExchangeUnavailable, op, "", "availability breaker open", err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return NewError(KindTransport, op, "", "decoding response", err)
	}
	return nil
}

func (c *RESTClient) roundTrip(ctx context.Context, op, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", c.sign(params))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, NewError(KindTransport, op, "", "building request", err)
	}
	req.URL.RawQuery = params.Encode()
	if signed {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindTransport, op, "", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindTransport, op, "", "reading response", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	return nil, c.classify(op, resp.StatusCode, body)
}

// classify maps an HTTP failure to a typed error kind.
func (c *RESTClient) classify(op string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return NewError(KindRateLimited, op, "", apiErr.Message, nil)
	case status >= 500:
		return NewError(KindExchangeUnavailable, op, "", fmt.Sprintf("status %d: %s", status, apiErr.Message), nil)
	}

	switch apiErr.Code {
	case codeUnknownSymbol:
		return NewError(KindUnknownSymbol, op, "", apiErr.Message, nil)
	case codePriceFilter:
		return NewError(KindPriceIncrementInvalid, op, "", apiErr.Message, nil)
	case codeInsufficientBalance:
		return NewError(KindInsufficientBalance, op, "", apiErr.Message, nil)
	}
	return NewError(KindTransport, op, "", fmt.Sprintf("status %d: %s", status, string(body)), nil)
}

// sign produces the HMAC-SHA256 signature over the sorted query string.
func (c *RESTClient) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetSymbols fetches the full symbol list with trading rules.
func (c *RESTClient) GetSymbols(ctx context.Context) ([]SymbolRule, error) {
	var payload struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.get(ctx, FamilyMarket, "get_symbols", "/api/v3/exchangeInfo", nil, &payload); err != nil {
		return nil, err
	}

	rules := make([]SymbolRule, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		rule := SymbolRule{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Status:     s.Status,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rule.TickSize = f.TickSize
			case "LOT_SIZE":
				rule.LotSize = f.StepSize
			case "MIN_NOTIONAL", "NOTIONAL":
				rule.MinNotional = f.MinNotional
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetTicker fetches a single 24h ticker.
func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var raw rawTicker
	if err := c.get(ctx, FamilyMarket, "get_ticker", "/api/v3/ticker/24hr", params, &raw); err != nil {
		return nil, err
	}
	t := raw.ticker()
	return &t, nil
}

// GetTickers fetches the 24h ticker for every symbol in one batched call.
func (c *RESTClient) GetTickers(ctx context.Context) ([]Ticker, error) {
	var raws []rawTicker
	if err := c.get(ctx, FamilyMarket, "get_tickers", "/api/v3/ticker/24hr", nil, &raws); err != nil {
		return nil, err
	}
	tickers := make([]Ticker, len(raws))
	for i, r := range raws {
		tickers[i] = r.ticker()
	}
	return tickers, nil
}

type rawTicker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	BidPrice           float64 `json:"bidPrice,string"`
	AskPrice           float64 `json:"askPrice,string"`
}

func (r rawTicker) ticker() Ticker {
	return Ticker{
		Symbol:      r.Symbol,
		Price:       r.LastPrice,
		Volume24h:   r.QuoteVolume,
		Change24h:   r.PriceChangePercent / 100,
		Bid:         r.BidPrice,
		Ask:         r.AskPrice,
		RetrievedAt: time.Now(),
	}
}

// GetCandles fetches closed candles, oldest first.
func (c *RESTClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.get(ctx, FamilyMarket, "get_candles", "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openMs, _ := row[0].(float64)
		candles = append(candles, Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(int64(openMs)),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	return candles, nil
}

// GetBalances fetches the account's asset balances.
func (c *RESTClient) GetBalances(ctx context.Context) (map[string]Balance, error) {
	var payload struct {
		Balances []struct {
			Asset  string  `json:"asset"`
			Free   float64 `json:"free,string"`
			Locked float64 `json:"locked,string"`
		} `json:"balances"`
	}
	if err := c.do(ctx, FamilyAccount, "get_balances", http.MethodGet, "/api/v3/account", nil, true, &payload); err != nil {
		return nil, err
	}

	balances := make(map[string]Balance, len(payload.Balances))
	for _, b := range payload.Balances {
		if b.Free == 0 && b.Locked == 0 {
			continue
		}
		balances[b.Asset] = Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
	}
	return balances, nil
}

// GetOpenOrders fetches all live orders for the account.
func (c *RESTClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	var raws []rawOrder
	if err := c.do(ctx, FamilyAccount, "get_open_orders", http.MethodGet, "/api/v3/openOrders", nil, true, &raws); err != nil {
		return nil, err
	}
	orders := make([]Order, len(raws))
	for i, r := range raws {
		orders[i] = r.order()
	}
	return orders, nil
}

type rawOrder struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	OrigQty       float64 `json:"origQty,string"`
	Price         float64 `json:"price,string"`
	Time          int64   `json:"time"`
}

func (r rawOrder) order() Order {
	return Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  r.ClientOrderID,
		Symbol:    r.Symbol,
		Side:      OrderSide(strings.ToLower(r.Side)),
		Type:      OrderType(strings.ToLower(r.Type)),
		Quantity:  r.OrigQty,
		Price:     r.Price,
		Notional:  r.OrigQty * r.Price,
		CreatedAt: time.UnixMilli(r.Time),
	}
}

// GetClosedOrders fetches fills since the given time.
func (c *RESTClient) GetClosedOrders(ctx context.Context, since time.Time) ([]FilledOrder, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))

	var raws []struct {
		OrderID  int64   `json:"orderId"`
		Symbol   string  `json:"symbol"`
		Side     string  `json:"side"`
		Qty      float64 `json:"qty,string"`
		Price    float64 `json:"price,string"`
		Fee      float64 `json:"commission,string"`
		FilledAt int64   `json:"time"`
	}
	if err := c.do(ctx, FamilyAccount, "get_closed_orders", http.MethodGet, "/api/v3/myTrades", params, true, &raws); err != nil {
		return nil, err
	}

	fills := make([]FilledOrder, len(raws))
	for i, r := range raws {
		fills[i] = FilledOrder{
			ID:       strconv.FormatInt(r.OrderID, 10),
			Symbol:   r.Symbol,
			Side:     OrderSide(strings.ToLower(r.Side)),
			Quantity: r.Qty,
			Price:    r.Price,
			Fee:      r.Fee,
			FilledAt: time.UnixMilli(r.FilledAt),
		}
	}
	return fills, nil
}

// PlaceOrder submits a new order and returns the exchange order id.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Type == TypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var payload struct {
		OrderID int64 `json:"orderId"`
	}
	if err := c.do(ctx, FamilyTrade, "place_order", http.MethodPost, "/api/v3/order", params, true, &payload); err != nil {
		return "", err
	}
	c.logger.Debug().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("qty", req.Quantity).Int64("order_id", payload.OrderID).Msg("order placed")
	return strconv.FormatInt(payload.OrderID, 10), nil
}

// CancelOrder cancels a live order by id.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("orderId", orderID)
	return c.do(ctx, FamilyTrade, "cancel_order", http.MethodDelete, "/api/v3/order", params, true, nil)
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
