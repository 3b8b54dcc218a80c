// Package universe maintains the set of tradable symbols and their exchange
// rules (tick, lot, minimum notional).
package universe

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-trading-agent/internal/durable"
	"spot-trading-agent/internal/exchange"
)

// Rule holds the exchange constraints for one symbol. Tick and lot use exact
// decimals; float rounding on increments is how orders get rejected.
type Rule struct {
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Tick        decimal.Decimal `json:"tick"`
	Lot         decimal.Decimal `json:"lot"`
	MinNotional decimal.Decimal `json:"min_notional"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Config controls filtering and the durable cache location.
type Config struct {
	QuoteCurrency string          // e.g. "USDT"
	IgnoreSymbols map[string]bool // operator blocklist
	CachePath     string          // durable rule cache, empty disables
}

// Universe is the rule cache. Refresh replaces the eligible set atomically;
// readers always see a complete snapshot.
type Universe struct {
	client exchange.Client
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	rules    map[string]Rule
	degraded bool
}

// stablecoin bases are excluded: a stable/stable pair has no alpha to trade.
var stablecoinBases = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "TUSD": true,
	"DAI": true, "FDUSD": true, "USDP": true, "EUR": true, "PAX": true,
}

func New(client exchange.Client, cfg Config, logger zerolog.Logger) *Universe {
	u := &Universe{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "universe").Logger(),
		rules:  make(map[string]Rule),
	}
	if cfg.CachePath != "" {
		if err := u.loadCache(); err != nil && !os.IsNotExist(err) {
			u.logger.Warn().Err(err).Msg("rule cache unreadable, starting empty")
		}
	}
	return u
}

// Refresh pulls the full symbol list and rebuilds the eligible set. On
// upstream failure the previous cache is kept and the degraded flag raised.
func (u *Universe) Refresh(ctx context.Context) error {
	raw, err := u.client.GetSymbols(ctx)
	if err != nil {
		u.mu.Lock()
		u.degraded = true
		u.mu.Unlock()
		u.logger.Warn().Err(err).Msg("symbol refresh failed, retaining previous rules")
		return err
	}

	now := time.Now()
	next := make(map[string]Rule, len(raw))
	u.mu.RLock()
	prev := u.rules
	u.mu.RUnlock()

	for _, sr := range raw {
		if !u.eligible(sr) {
			continue
		}
		rule := Rule{
			Symbol:      sr.Symbol,
			Base:        sr.BaseAsset,
			Quote:       sr.QuoteAsset,
			RefreshedAt: now,
		}
		rule.Tick = mergeIncrement(sr.TickSize, prev[sr.Symbol].Tick)
		rule.Lot = mergeIncrement(sr.LotSize, prev[sr.Symbol].Lot)
		rule.MinNotional = mergeIncrement(sr.MinNotional, prev[sr.Symbol].MinNotional)
		if rule.Tick.IsZero() || rule.Lot.IsZero() || rule.MinNotional.IsZero() {
			// Never seen valid increments for this symbol. Trading it
			// would mean guessing, so it stays out until a full payload.
			continue
		}
		next[sr.Symbol] = rule
	}

	u.mu.Lock()
	u.rules = next
	u.degraded = false
	u.mu.Unlock()

	u.logger.Info().Int("symbols", len(next)).Msg("symbol universe refreshed")

	if u.cfg.CachePath != "" {
		if err := u.saveCache(); err != nil {
			u.logger.Warn().Err(err).Msg("rule cache write failed")
		}
	}
	return nil
}

// mergeIncrement keeps the cached prior value when a refresh payload omits
// an increment. Missing-after-present is a transient exchange quirk, not a
// real rule change.
func mergeIncrement(fresh string, cached decimal.Decimal) decimal.Decimal {
	if fresh != "" {
		if d, err := decimal.NewFromString(fresh); err == nil && d.IsPositive() {
			return d
		}
	}
	return cached
}

func (u *Universe) eligible(sr exchange.SymbolRule) bool {
	if !sr.Active() {
		return false
	}
	if sr.QuoteAsset != u.cfg.QuoteCurrency {
		return false
	}
	if u.cfg.IgnoreSymbols[sr.Symbol] {
		return false
	}
	if stablecoinBases[sr.BaseAsset] {
		return false
	}
	if isNumericBase(sr.BaseAsset) {
		return false
	}
	return true
}

// isNumericBase rejects bases like "1000SATS" leveraged-style numeric tokens
// whose prices behave as scaled derivatives of another listing.
func isNumericBase(base string) bool {
	if base == "" {
		return true
	}
	for _, r := range base {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Rules returns the cached rule for symbol or an UnknownSymbol error.
func (u *Universe) Rules(symbol string) (Rule, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	rule, ok := u.rules[symbol]
	if !ok {
		return Rule{}, exchange.NewError(exchange.KindUnknownSymbol, "universe.rules", symbol, "symbol not in eligible set", nil)
	}
	return rule, nil
}

// All returns a sorted snapshot of eligible symbols.
func (u *Universe) All() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.rules))
	for s := range u.rules {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Remove drops a symbol from the eligible set (UnknownSymbol from the
// exchange means the listing is gone regardless of what the cache says).
func (u *Universe) Remove(symbol string) {
	u.mu.Lock()
	delete(u.rules, symbol)
	u.mu.Unlock()
	u.logger.Info().Str("symbol", symbol).Msg("symbol removed from universe")
}

// Degraded reports whether the last refresh failed.
func (u *Universe) Degraded() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.degraded
}

// Size returns the eligible symbol count.
func (u *Universe) Size() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.rules)
}

type cacheFile struct {
	SchemaVersion int       `json:"schema_version"`
	Rules         []Rule    `json:"rules"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (u *Universe) saveCache() error {
	u.mu.RLock()
	rules := make([]Rule, 0, len(u.rules))
	for _, r := range u.rules {
		rules = append(rules, r)
	}
	u.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Symbol < rules[j].Symbol })

	data, err := json.MarshalIndent(cacheFile{SchemaVersion: 1, Rules: rules, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return durable.WriteFile(u.cfg.CachePath, data)
}

func (u *Universe) loadCache() error {
	data, err := durable.ReadFile(u.cfg.CachePath)
	if err != nil {
		return err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	rules := make(map[string]Rule, len(cf.Rules))
	for _, r := range cf.Rules {
		if strings.TrimSpace(r.Symbol) == "" {
			continue
		}
		rules[r.Symbol] = r
	}
	u.mu.Lock()
	u.rules = rules
	u.mu.Unlock()
	u.logger.Info().Int("symbols", len(rules)).Msg("symbol rules restored from cache")
	return nil
}
