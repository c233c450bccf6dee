// ratelimit.go implements token-bucket rate limiting for the exchange REST API.
//
// Futures exchanges publish per-category request budgets over short windows.
// This file provides a smooth token-bucket implementation that refills
// continuously (rather than in window-sized bursts) to avoid hitting hard
// limits.
//
// Three buckets are maintained:
//   - Order:  trade endpoints (create/cancel/query orders, algo orders, leverage)
//   - Market: public market data (candles, tickers, funding, open interest)
//   - Account: balance and position reads
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Each REST call
// waits on the appropriate bucket before issuing the HTTP request.
type RateLimiter struct {
	Order   *TokenBucket // order, algo-order, and leverage endpoints
	Market  *TokenBucket // public market data endpoints
	Account *TokenBucket // balance and position endpoints
}

// NewRateLimiter creates buckets tuned to typical perp-exchange budgets
// (10 order calls/s with 20 burst, 20 market reads/s, 10 account reads/s).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(20, 10),
		Market:  NewTokenBucket(40, 20),
		Account: NewTokenBucket(20, 10),
	}
}
