package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TickerHandler receives live ticker updates from the stream.
type TickerHandler func(Ticker)

// TickerStream maintains a websocket subscription to the exchange's
// all-tickers feed and forwards updates to a handler. The agent uses it to
// keep the market cache warm between REST polls; the loop itself never
// depends on the stream being up.
type TickerStream struct {
	url     string
	handler TickerHandler
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTickerStream creates a stream client for the given websocket endpoint.
func NewTickerStream(url string, handler TickerHandler, logger zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:     url,
		handler: handler,
		logger:  logger.With().Str("component", "ticker_stream").Logger(),
	}
}

// Start connects and begins the read loop, reconnecting with backoff on any
// failure until Stop is called.
func (s *TickerStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop closes the connection and waits for the read loop to exit.
func (s *TickerStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *TickerStream) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Second
	for ctx.Err() == nil {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *TickerStream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Symbol    string  `json:"s"`
			Price     float64 `json:"c,string"`
			Volume    float64 `json:"q,string"`
			ChangePct float64 `json:"P,string"`
			Bid       float64 `json:"b,string"`
			Ask       float64 `json:"a,string"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		s.handler(Ticker{
			Symbol:      msg.Symbol,
			Price:       msg.Price,
			Volume24h:   msg.Volume,
			Change24h:   msg.ChangePct / 100,
			Bid:         msg.Bid,
			Ask:         msg.Ask,
			RetrievedAt: time.Now(),
		})
	}
}
