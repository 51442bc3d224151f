/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// Default parameter values for RetryRoundTripper.
const (
	DefaultMaxRetryAttempts = 3
	DefaultMaxRetryAfter    = 30 * time.Second
)

// RetryAttemptHeader contains the serial number of the retry attempt.
const RetryAttemptHeader = "X-Retry-Attempt"

// DefaultRetryPolicy is used between attempts when the response has no Retry-After header.
var DefaultRetryPolicy retry.Policy = retry.ExponentialBackoffPolicy{
	InitialInterval: 500 * time.Millisecond,
	Multiplier:      retry.DefaultMultiplier,
	MaxInterval:     10 * time.Second,
}

// RetryOpts configures retries of rejected requests.
type RetryOpts struct {
	// MaxAttempts is the number of retries after the first request.
	// DefaultMaxRetryAttempts is used if zero, negative value disables retries.
	MaxAttempts int
	// Policy computes delays when the server does not send Retry-After.
	Policy retry.Policy
	// MaxRetryAfter is the longest Retry-After the client agrees to wait.
	// Longer hints end retrying and the response is returned as is.
	MaxRetryAfter time.Duration
}

// RetryRoundTripper retries requests rejected by admission control:
// 429 (rate limited) and 503 (queue timeout) responses and transport errors.
type RetryRoundTripper struct {
	Delegate      http.RoundTripper
	Logger        log.FieldLogger
	MaxAttempts   int
	Policy        retry.Policy
	MaxRetryAfter time.Duration
}

// NewRetryRoundTripper creates a new RetryRoundTripper.
func NewRetryRoundTripper(delegate http.RoundTripper, opts RetryOpts, logger log.FieldLogger) *RetryRoundTripper {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxRetryAttempts
	}
	if opts.Policy == nil {
		opts.Policy = DefaultRetryPolicy
	}
	if opts.MaxRetryAfter == 0 {
		opts.MaxRetryAfter = DefaultMaxRetryAfter
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &RetryRoundTripper{
		Delegate:      delegate,
		Logger:        logger,
		MaxAttempts:   opts.MaxAttempts,
		Policy:        opts.Policy,
		MaxRetryAfter: opts.MaxRetryAfter,
	}
}

// RoundTrip sends the request and retries it while the server keeps rejecting it.
func (rt *RetryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	body, err := readRequestBody(req)
	if err != nil {
		return nil, err
	}

	bf := rt.Policy.NewBackOff()
	logger := rt.Logger.With(log.String("method", req.Method), log.String("url", req.URL.String()))
	for attempt := 0; ; attempt++ {
		attemptReq := req
		if attempt > 0 || body != nil {
			attemptReq = req.Clone(ctx) // Per RoundTripper contract.
			if body != nil {
				attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			}
			if attempt > 0 {
				attemptReq.Header.Set(RetryAttemptHeader, strconv.Itoa(attempt))
			}
		}

		resp, rtErr := rt.Delegate.RoundTrip(attemptReq)
		if !needRetry(ctx, resp, rtErr) || attempt >= rt.MaxAttempts {
			return resp, rtErr
		}

		wait, ok := rt.nextWait(bf, resp)
		if !ok {
			return resp, rtErr
		}
		if resp != nil {
			drainResponseBody(resp)
			logger.Warn("request is rejected, retrying",
				log.Int("status", resp.StatusCode), log.Int("attempt", attempt+1), log.Duration("wait", wait))
		} else {
			logger.Warn("request failed, retrying",
				log.Error(rtErr), log.Int("attempt", attempt+1), log.Duration("wait", wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (rt *RetryRoundTripper) nextWait(bf backoff.BackOff, resp *http.Response) (time.Duration, bool) {
	if resp != nil {
		if retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return retryAfter, retryAfter <= rt.MaxRetryAfter
		}
	}
	wait := bf.NextBackOff()
	return wait, wait != backoff.Stop
}

func needRetry(ctx context.Context, resp *http.Response, rtErr error) bool {
	if rtErr != nil {
		var waitErr *RateLimitingWaitError
		if errors.As(rtErr, &waitErr) {
			return false
		}
		return ctx.Err() == nil && !errors.Is(rtErr, context.Canceled) && !errors.Is(rtErr, context.DeadlineExceeded)
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
}

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }() // Per RoundTripper contract.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body before doing first request: %w", err)
	}
	return body, nil
}

func drainResponseBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(val)
	if err != nil {
		return 0, false
	}
	if d := time.Until(t); d > 0 {
		return d, true
	}
	return 0, true
}
