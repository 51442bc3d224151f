/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/acronis/go-admission/httpserver/middleware"
)

// DefaultRateLimitBurst is used when Opts.Burst is not set.
const DefaultRateLimitBurst = 1

type headerRoundTripper struct {
	delegate  http.RoundTripper
	userAgent string
	header    http.Header
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID := middleware.GetRequestIDFromContext(req.Context())
	req = req.Clone(req.Context()) // Per RoundTripper contract.
	for key, values := range rt.header {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if rt.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", rt.userAgent)
	}
	if requestID != "" && req.Header.Get(middleware.HeaderRequestID) == "" {
		req.Header.Set(middleware.HeaderRequestID, requestID)
	}
	return rt.delegate.RoundTrip(req)
}

type rateLimitingRoundTripper struct {
	delegate http.RoundTripper
	limiter  *rate.Limiter
}

func newRateLimitingRoundTripper(delegate http.RoundTripper, limit float64, burst int) *rateLimitingRoundTripper {
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}
	return &rateLimitingRoundTripper{delegate: delegate, limiter: rate.NewLimiter(rate.Limit(limit), burst)}
}

func (rt *rateLimitingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.limiter.Wait(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close() // Per RoundTripper contract.
		}
		return nil, &RateLimitingWaitError{Inner: err}
	}
	return rt.delegate.RoundTrip(req)
}

// RateLimitingWaitError is returned when the client-side limit cannot be awaited within the request context.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}
