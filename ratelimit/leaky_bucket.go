/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// gcraLimiter implements GCRA (Generic Cell Rate Algorithm), a leaky bucket variant.
// One limiter serves all callers of a tier; callers are told apart by key.
// More details: https://brandur.org/rate-limiting#gcra.
type gcraLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
}

func newGCRALimiter(params Params) (*gcraLimiter, error) {
	// Zero maxKeys means the store is unbounded, buckets live as long as the process.
	gcraStore, err := memstore.NewCtx(0)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	emission := time.Duration(float64(time.Second) / params.RefillRate)
	quota := throttled.RateQuota{
		MaxRate: throttled.PerDuration(1, emission),
		// GCRA admits MaxBurst requests on top of the first one.
		MaxBurst: params.Capacity - 1,
	}
	gcra, err := throttled.NewGCRARateLimiterCtx(gcraStore, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &gcraLimiter{limiter: gcra}, nil
}

func (l *gcraLimiter) bucket(key string) Bucket {
	return &LeakyBucket{limiter: l.limiter, key: key}
}

// LeakyBucket is a caller's view of a shared GCRA limiter.
type LeakyBucket struct {
	limiter *throttled.GCRARateLimiterCtx
	key     string
}

var _ Bucket = (*LeakyBucket)(nil)

// Consume reports whether n requests may be emitted now.
func (b *LeakyBucket) Consume(n int) bool {
	limited, _, err := b.limiter.RateLimitCtx(context.Background(), b.key, n)
	if err != nil {
		// The in-memory store does not fail; treat the impossible case as throttled.
		return false
	}
	return !limited
}
