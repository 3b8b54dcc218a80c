// Package learning tracks realized outcomes per (regime, strategy) bucket
// and per symbol, feeding adaptive tier adjustments back into scoring.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/durable"
)

// Bucket accumulates outcomes for one key. Counters only grow.
type Bucket struct {
	Key         string    `json:"key"`
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	RealizedPnL float64   `json:"realized_pnl"`
	LastUpdated time.Time `json:"last_updated"`
}

// WinRate is wins over trades, zero when empty.
func (b Bucket) WinRate() float64 {
	if b.Trades == 0 {
		return 0
	}
	return float64(b.Wins) / float64(b.Trades)
}

// Outcome is one closed trade folded into memory.
type Outcome struct {
	TradeID     string
	Symbol      string
	Regime      string
	Strategy    string
	RealizedPnL float64
	ClosedAt    time.Time
}

type memoryFile struct {
	SchemaVersion int             `json:"schema_version"`
	ByBucket      []Bucket        `json:"by_bucket"`
	BySymbol      []Bucket        `json:"by_symbol"`
	SeenTrades    map[string]bool `json:"seen_trades"`
	TotalCycles   uint64          `json:"total_cycles"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Memory is the durable learning store. Folding is idempotent per trade id.
type Memory struct {
	logger zerolog.Logger
	path   string

	mu       sync.RWMutex
	byBucket map[string]Bucket
	bySymbol map[string]Bucket
	seen     map[string]bool
	cycles   uint64
}

func NewMemory(path string, logger zerolog.Logger) *Memory {
	return &Memory{
		logger:   logger.With().Str("component", "learning").Logger(),
		path:     path,
		byBucket: map[string]Bucket{},
		bySymbol: map[string]Bucket{},
		seen:     map[string]bool{},
	}
}

func bucketKey(reg, strategy string) string { return reg + "/" + strategy }

// Fold records one outcome. A trade id already folded is a no-op, so
// replaying the ledger after a restart cannot double count.
func (m *Memory) Fold(o Outcome) {
	if o.TradeID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[o.TradeID] {
		return
	}
	m.seen[o.TradeID] = true

	apply := func(store map[string]Bucket, key string) {
		b := store[key]
		b.Key = key
		b.Trades++
		if o.RealizedPnL >= 0 {
			b.Wins++
		} else {
			b.Losses++
		}
		b.RealizedPnL += o.RealizedPnL
		b.LastUpdated = o.ClosedAt
		store[key] = b
	}
	apply(m.byBucket, bucketKey(o.Regime, o.Strategy))
	apply(m.bySymbol, o.Symbol)
}

// Seen reports whether a trade id has already been folded.
func (m *Memory) Seen(tradeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[tradeID]
}

// Outcome implements the scorer's adviser query for one bucket.
func (m *Memory) Outcome(reg, strategy string) (int, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.byBucket[bucketKey(reg, strategy)]
	return b.Trades, b.WinRate()
}

// WinRate returns the bucket's win rate.
func (m *Memory) WinRate(reg, strategy string) float64 {
	_, wr := m.Outcome(reg, strategy)
	return wr
}

// Avoid reports whether a symbol's record is bad enough to skip: win rate
// under 0.25 across at least 10 trades.
func (m *Memory) Avoid(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bySymbol[symbol]
	return b.Trades >= 10 && b.WinRate() < 0.25
}

// BestStrategies ranks strategies for a regime by win rate, then by PnL.
func (m *Memory) BestStrategies(reg string) []Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := reg + "/"
	var out []Bucket
	for key, b := range m.byBucket {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WinRate() != out[j].WinRate() {
			return out[i].WinRate() > out[j].WinRate()
		}
		return out[i].RealizedPnL > out[j].RealizedPnL
	})
	return out
}

// BumpCycles counts one completed agent cycle.
func (m *Memory) BumpCycles() {
	m.mu.Lock()
	m.cycles++
	m.mu.Unlock()
}

// Persist writes the memory atomically with stable ordering.
func (m *Memory) Persist() error {
	m.mu.RLock()
	file := memoryFile{
		SchemaVersion: 1,
		ByBucket:      sortedBuckets(m.byBucket),
		BySymbol:      sortedBuckets(m.bySymbol),
		SeenTrades:    make(map[string]bool, len(m.seen)),
		TotalCycles:   m.cycles,
		UpdatedAt:     time.Now().UTC(),
	}
	for id := range m.seen {
		file.SeenTrades[id] = true
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal learning memory: %w", err)
	}
	if err := durable.Snapshot(m.path); err != nil {
		m.logger.Warn().Err(err).Msg("learning backup rotation failed")
	}
	return durable.WriteFile(m.path, data)
}

// Load restores memory; a corrupt file falls back to the previous snapshot
// and an unreadable pair starts blank.
func (m *Memory) Load() error {
	data, err := durable.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file memoryFile
	if derr := json.Unmarshal(data, &file); derr != nil {
		file = memoryFile{}
		restored := false
		if backup, berr := os.ReadFile(m.path + ".bak"); berr == nil {
			if json.Unmarshal(backup, &file) == nil {
				m.logger.Warn().Err(derr).Msg("learning memory corrupt, restored previous snapshot")
				restored = true
			}
		}
		if !restored {
			file = memoryFile{}
			m.logger.Error().Err(derr).Msg("learning memory corrupt and no usable backup, starting blank")
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byBucket = map[string]Bucket{}
	for _, b := range file.ByBucket {
		m.byBucket[b.Key] = b
	}
	m.bySymbol = map[string]Bucket{}
	for _, b := range file.BySymbol {
		m.bySymbol[b.Key] = b
	}
	m.seen = file.SeenTrades
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	m.cycles = file.TotalCycles
	m.logger.Info().Int("buckets", len(m.byBucket)).Int("symbols", len(m.bySymbol)).Msg("learning memory restored")
	return nil
}

func sortedBuckets(store map[string]Bucket) []Bucket {
	out := make([]Bucket, 0, len(store))
	for _, b := range store {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
