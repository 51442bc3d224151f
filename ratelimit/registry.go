/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tier partitions callers into bucket classes with different limits.
type Tier int

// Bucket tiers.
const (
	TierStandard Tier = iota
	TierElevated
)

func (t Tier) String() string {
	if t == TierElevated {
		return "elevated"
	}
	return "standard"
}

// Alg is a rate limiting algorithm.
type Alg string

// Rate limiting algorithms.
const (
	AlgTokenBucket   Alg = "token_bucket"
	AlgLeakyBucket   Alg = "leaky_bucket"
	AlgSlidingWindow Alg = "sliding_window"
)

// DefaultElevatedRatio is a multiplier applied to standard tier parameters for elevated callers.
const DefaultElevatedRatio = 2

// Params are the bucket parameters of a tier.
type Params struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// RegistryConfig configures a Registry. Params are the standard tier ones.
type RegistryConfig struct {
	Alg           Alg
	Capacity      int
	RefillRate    float64
	ElevatedRatio float64
}

// Validate checks the configuration and returns *ConfigurationError for invalid values.
func (c RegistryConfig) Validate() error {
	switch c.Alg {
	case "", AlgTokenBucket, AlgLeakyBucket, AlgSlidingWindow:
	default:
		return &ConfigurationError{Param: "alg", Value: c.Alg, Reason: "is unknown"}
	}
	if c.Capacity <= 0 {
		return newNonPositiveError("capacity", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return newNonPositiveError("refillRate", c.RefillRate)
	}
	if c.ElevatedRatio <= 0 {
		return newNonPositiveError("elevatedRatio", c.ElevatedRatio)
	}
	return nil
}

// RegistryOption represents an option for the Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	clock Clock
}

// WithClock sets the clock used by the buckets (token bucket and sliding window algorithms).
func WithClock(clock Clock) RegistryOption {
	return func(o *registryOptions) {
		o.clock = clock
	}
}

type tierBuckets struct {
	mu        sync.RWMutex
	params    Params
	buckets   map[string]Bucket
	newBucket func(key string) Bucket
}

// Registry maps caller identities to their buckets.
// Buckets are created on first sighting of a caller and are never evicted.
// Locks are held per tier and only while the map is read or extended, never while a bucket is consumed.
type Registry struct {
	alg   Alg
	tiers [2]*tierBuckets
}

// NewRegistry creates a new Registry. It returns *ConfigurationError if cfg is invalid.
func NewRegistry(cfg RegistryConfig, options ...RegistryOption) (*Registry, error) {
	if cfg.ElevatedRatio == 0 {
		cfg.ElevatedRatio = DefaultElevatedRatio
	}
	if cfg.Alg == "" {
		cfg.Alg = AlgTokenBucket
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts registryOptions
	for _, opt := range options {
		opt(&opts)
	}

	standard := Params{Capacity: cfg.Capacity, RefillRate: cfg.RefillRate}
	elevated := Params{
		Capacity:   int(float64(cfg.Capacity) * cfg.ElevatedRatio),
		RefillRate: cfg.RefillRate * cfg.ElevatedRatio,
	}
	if elevated.Capacity <= 0 {
		return nil, &ConfigurationError{Param: "elevatedRatio", Value: cfg.ElevatedRatio, Reason: "results in empty elevated buckets"}
	}

	r := &Registry{alg: cfg.Alg}
	for tier, params := range [...]Params{standard, elevated} {
		newBucket, err := makeBucketFactory(cfg.Alg, params, opts.clock)
		if err != nil {
			return nil, fmt.Errorf("create %s tier buckets: %w", Tier(tier), err)
		}
		r.tiers[tier] = &tierBuckets{params: params, buckets: make(map[string]Bucket), newBucket: newBucket}
	}
	return r, nil
}

func makeBucketFactory(alg Alg, params Params, clock Clock) (func(key string) Bucket, error) {
	switch alg {
	case AlgLeakyBucket:
		gcra, err := newGCRALimiter(params)
		if err != nil {
			return nil, err
		}
		return gcra.bucket, nil
	case AlgSlidingWindow:
		return func(string) Bucket { return NewSlidingWindowBucket(params, clock) }, nil
	default:
		return func(string) Bucket { return NewTokenBucket(params.Capacity, params.RefillRate, clock) }, nil
	}
}

func (r *Registry) tier(tier Tier) *tierBuckets {
	if tier == TierElevated {
		return r.tiers[TierElevated]
	}
	return r.tiers[TierStandard]
}

// Get returns the bucket of the caller, creating it if needed.
func (r *Registry) Get(callerID string, tier Tier) Bucket {
	tb := r.tier(tier)

	tb.mu.RLock()
	b, ok := tb.buckets[callerID]
	tb.mu.RUnlock()
	if ok {
		return b
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if b, ok = tb.buckets[callerID]; ok {
		return b
	}
	b = tb.newBucket(callerID)
	tb.buckets[callerID] = b
	return b
}

// Allow consumes one token from the caller's bucket.
// If the bucket is exhausted, it returns false and the hint after which the caller may retry.
func (r *Registry) Allow(callerID string, tier Tier) (allow bool, retryAfter time.Duration) {
	if r.Get(callerID, tier).Consume(1) {
		return true, 0
	}
	return false, r.RetryAfter(tier)
}

// RetryAfter returns ceil(1/refillRate) of the tier in seconds.
func (r *Registry) RetryAfter(tier Tier) time.Duration {
	return RetryAfter(r.tier(tier).params.RefillRate)
}

// Params returns the bucket parameters of the tier.
func (r *Registry) Params(tier Tier) Params {
	return r.tier(tier).params
}

// Alg returns the algorithm used by the registry buckets.
func (r *Registry) Alg() Alg {
	return r.alg
}

// Len returns the number of known callers of the tier.
func (r *Registry) Len(tier Tier) int {
	tb := r.tier(tier)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.buckets)
}

// ParseAlg converts a configuration value to Alg.
func ParseAlg(s string) (Alg, error) {
	switch alg := Alg(strings.ToLower(s)); alg {
	case AlgTokenBucket, AlgLeakyBucket, AlgSlidingWindow:
		return alg, nil
	case "":
		return AlgTokenBucket, nil
	}
	return "", &ConfigurationError{Param: "alg", Value: s, Reason: "is unknown"}
}
