/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry provides backoff policies for retrying failed tickets and backend connection attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable tells whether an error is worth another attempt.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// DoWithRetry executes fn until it succeeds, the policy gives up, ctx is done or the error is not retryable.
// isRetryable and notify may be nil.
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bctx.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// DefaultMultiplier doubles the delay after each attempt.
const DefaultMultiplier = 2

// ExponentialBackoffPolicy produces deterministic delays initialInterval * multiplier^n.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy returns an exponential policy without jitter
// doubling the delay after each attempt, up to maxRetries retries (0 means unlimited).
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetries int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{InitialInterval: initialInterval, Multiplier: DefaultMultiplier, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.RandomizationFactor = 0
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = DefaultMultiplier
	}
	eb.MaxInterval = p.MaxInterval
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	eb.MaxElapsedTime = 0
	var bf backoff.BackOff = eb
	if p.MaxRetries > 0 {
		bf = backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	}
	bf.Reset()
	return bf
}

// ConstantBackoffPolicy means repeat up to maxRetries times with constant delays.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var bf backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxRetries > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.MaxRetries))
	}
	bf.Reset()
	return bf
}

// DelayBeforeRetry returns the delay the policy prescribes before the retry with the given number (1-based).
// It returns backoff.Stop if the policy does not allow that many retries.
func DelayBeforeRetry(p Policy, retryNum int) time.Duration {
	bf := p.NewBackOff()
	delay := backoff.Stop
	for i := 0; i < retryNum; i++ {
		if delay = bf.NextBackOff(); delay == backoff.Stop {
			return backoff.Stop
		}
	}
	return delay
}
