/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy(t *testing.T) {
	p := NewExponentialBackoffPolicy(2*time.Second, 0)
	require.Equal(t, 2*time.Second, DelayBeforeRetry(p, 1))
	require.Equal(t, 4*time.Second, DelayBeforeRetry(p, 2))
	require.Equal(t, 8*time.Second, DelayBeforeRetry(p, 3))

	capped := ExponentialBackoffPolicy{InitialInterval: time.Second, Multiplier: 2, MaxInterval: 3 * time.Second}
	require.Equal(t, 3*time.Second, DelayBeforeRetry(capped, 4))

	limited := NewExponentialBackoffPolicy(time.Second, 2)
	require.Equal(t, 2*time.Second, DelayBeforeRetry(limited, 2))
	require.Equal(t, backoff.Stop, DelayBeforeRetry(limited, 3))
}

func TestDoWithRetry(t *testing.T) {
	errUnavailable := errors.New("connection refused")
	errAuth := errors.New("auth failed")

	t.Run("succeeds after retries", func(t *testing.T) {
		var calls, notified int
		err := DoWithRetry(context.Background(), ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 5}, nil,
			func(error, time.Duration) { notified++ },
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return errUnavailable
				}
				return nil
			})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, 2, notified)
	})

	t.Run("permanent error stops retries", func(t *testing.T) {
		var calls int
		err := DoWithRetry(context.Background(), ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 5},
			func(err error) bool { return errors.Is(err, errUnavailable) }, nil,
			func(ctx context.Context) error {
				calls++
				return errAuth
			})
		require.ErrorIs(t, err, errAuth)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls int
		err := DoWithRetry(context.Background(), ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2}, nil, nil,
			func(ctx context.Context) error {
				calls++
				return errUnavailable
			})
		require.ErrorIs(t, err, errUnavailable)
		require.Equal(t, 3, calls)
	})
}
