// Package ledger is the append-only durable log of realized trades. It is
// the source of truth for historical performance; live positions belong to
// the state store.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/state"
)

// FillSource distinguishes trades the agent executed from fills adopted out
// of the exchange history during reconciliation.
type FillSource string

const (
	SourceActive  FillSource = "active"
	SourceHistory FillSource = "history_sync"
)

// Record is one immutable ledger entry. RealizedPnL is set on sells only.
type Record struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Side        exchange.OrderSide `json:"side"`
	Quantity    float64            `json:"quantity"`
	Price       float64            `json:"price"`
	Fees        float64            `json:"fees"`
	Timestamp   time.Time          `json:"timestamp"`
	Reason      state.CloseReason  `json:"reason,omitempty"`
	RealizedPnL float64            `json:"realized_pnl,omitempty"`
	Source      FillSource         `json:"source"`
	Regime      string             `json:"regime,omitempty"` // regime at entry, on sells
}

// NewID returns a fresh trade id.
func NewID() string { return uuid.NewString() }

// Ledger appends records to a JSONL file. Each append is flushed and synced
// before returning; a crash mid-append loses at most the partial last line,
// which the loader skips.
type Ledger struct {
	logger zerolog.Logger
	path   string

	mu   sync.Mutex
	file *os.File
}

func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Ledger{
		logger: logger.With().Str("component", "ledger").Logger(),
		path:   path,
		file:   f,
	}, nil
}

// Append writes one record. The caller must append the closing record
// before removing the position from state.
func (l *Ledger) Append(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("ledger record for %s has no id", rec.Symbol)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return l.file.Sync()
}

// Load reads every intact record in append order. Truncated tail lines from
// a crash are skipped with a warning.
func (l *Ledger) Load() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Warn().Err(err).Msg("skipping truncated ledger line")
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Close releases the file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// LastBuy finds the most recent buy for symbol, for FIFO entry
// reconstruction when state has lost the entry price.
func LastBuy(records []Record, symbol string) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Symbol == symbol && records[i].Side == exchange.SideBuy {
			return records[i], true
		}
	}
	return Record{}, false
}

// UnmatchedBuyQuantity walks the ledger FIFO and returns how much bought
// quantity for symbol has not yet been covered by sells.
func UnmatchedBuyQuantity(records []Record, symbol string) float64 {
	var open float64
	for _, rec := range records {
		if rec.Symbol != symbol {
			continue
		}
		switch rec.Side {
		case exchange.SideBuy:
			open += rec.Quantity
		case exchange.SideSell:
			open -= rec.Quantity
		}
	}
	if open < 0 {
		return 0
	}
	return open
}
