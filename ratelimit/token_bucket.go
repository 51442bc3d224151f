/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a single caller's rate limiter.
// Consume takes n tokens if all of them are available and reports whether it did so.
// It never blocks and never takes a partial amount.
type Bucket interface {
	Consume(n int) bool
}

// Clock returns the current time. It is replaced in tests to control refill.
type Clock func() time.Time

// TokenBucket is a lazily refilled token bucket.
// It starts full and refills at refillRate tokens per second up to capacity.
type TokenBucket struct {
	limiter    *rate.Limiter
	capacity   int
	refillRate float64
	now        Clock
}

var _ Bucket = (*TokenBucket)(nil)

// NewTokenBucket creates a new full TokenBucket. If clock is nil, time.Now is used.
func NewTokenBucket(capacity int, refillRate float64, clock Clock) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		limiter:    rate.NewLimiter(rate.Limit(refillRate), capacity),
		capacity:   capacity,
		refillRate: refillRate,
		now:        clock,
	}
}

// Consume refills the bucket for the elapsed time and takes n tokens if they are available.
// rate.Limiter guards its state with its own mutex, so Consume is atomic per bucket.
func (b *TokenBucket) Consume(n int) bool {
	return b.limiter.AllowN(b.now(), n)
}

// Tokens returns the number of tokens currently available.
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// RetryAfter returns the hint sent to a throttled caller.
func (b *TokenBucket) RetryAfter() time.Duration {
	return RetryAfter(b.refillRate)
}

// RetryAfter returns ceil(1/refillRate) seconds, the time after which at least one token is available again.
func RetryAfter(refillRate float64) time.Duration {
	if refillRate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(1/refillRate)) * time.Second
}
