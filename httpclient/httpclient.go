/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"time"

	"github.com/acronis/go-admission/log"
)

// Opts represents options for creating an HTTP client with New.
type Opts struct {
	// UserAgent is set in requests that have no User-Agent header.
	UserAgent string

	// Header is added to every outgoing request unless the request already has the key.
	// It is the place for caller identity headers.
	Header http.Header

	// RateLimit bounds outgoing requests per second. Zero means no client-side limit.
	RateLimit float64
	// Burst is the bucket size of the client-side limit. DefaultRateLimitBurst is used if zero.
	Burst int

	Retries RetryOpts

	// Timeout bounds the whole call including retries and waits.
	Timeout time.Duration

	// Delegate is the transport that sends requests. http.DefaultTransport is cloned if nil.
	Delegate http.RoundTripper

	Logger log.FieldLogger
}

// New creates an http.Client for calling services behind admission control.
// Requests carry the configured headers and request id, are throttled on the client side,
// and are retried when the server answers 429 or 503 honoring its Retry-After header.
func New(opts Opts) *http.Client {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}
	delegate = &headerRoundTripper{delegate: delegate, userAgent: opts.UserAgent, header: opts.Header}
	if opts.RateLimit > 0 {
		delegate = newRateLimitingRoundTripper(delegate, opts.RateLimit, opts.Burst)
	}
	if opts.Retries.MaxAttempts >= 0 {
		delegate = NewRetryRoundTripper(delegate, opts.Retries, opts.Logger)
	}
	return &http.Client{Transport: delegate, Timeout: opts.Timeout}
}
