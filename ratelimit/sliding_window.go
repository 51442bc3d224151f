/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// SlidingWindowBucket admits at most capacity requests within any window of capacity/refillRate seconds.
type SlidingWindowBucket struct {
	limiter *slidingwindow.Limiter
	now     Clock
}

var _ Bucket = (*SlidingWindowBucket)(nil)

// NewSlidingWindowBucket creates a new SlidingWindowBucket. If clock is nil, time.Now is used.
func NewSlidingWindowBucket(params Params, clock Clock) *SlidingWindowBucket {
	if clock == nil {
		clock = time.Now
	}
	window := time.Duration(float64(params.Capacity) / params.RefillRate * float64(time.Second))
	lim, _ := slidingwindow.NewLimiter(window, int64(params.Capacity), func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return &SlidingWindowBucket{limiter: lim, now: clock}
}

// Consume reports whether n more requests fit into the current window and records them if so.
func (b *SlidingWindowBucket) Consume(n int) bool {
	return b.limiter.AllowN(b.now(), int64(n))
}
