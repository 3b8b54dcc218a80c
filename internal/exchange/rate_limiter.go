package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// EndpointFamily groups REST endpoints that share an exchange-side budget.
type EndpointFamily string

const (
	FamilyMarket  EndpointFamily = "market"  // tickers, candles, symbol rules
	FamilyAccount EndpointFamily = "account" // balances, open/closed orders
	FamilyTrade   EndpointFamily = "trade"   // place, cancel
)

// RateLimiter holds one token bucket per endpoint family so a burst of
// market-data reads cannot starve order placement.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[EndpointFamily]*rate.Limiter
}

// NewRateLimiter builds per-family buckets with conservative defaults below
// typical spot API budgets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: map[EndpointFamily]*rate.Limiter{
			FamilyMarket:  rate.NewLimiter(rate.Limit(15), 30),
			FamilyAccount: rate.NewLimiter(rate.Limit(8), 16),
			FamilyTrade:   rate.NewLimiter(rate.Limit(5), 10),
		},
	}
}

// Wait blocks until the family's bucket grants a token or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context, family EndpointFamily) error {
	rl.mu.Lock()
	bucket, ok := rl.buckets[family]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(5), 10)
		rl.buckets[family] = bucket
	}
	rl.mu.Unlock()
	return bucket.Wait(ctx)
}
