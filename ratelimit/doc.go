/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides per-caller rate limiting for the admission layer.
//
// Every caller gets its own bucket that lives in process memory for the lifetime of the process.
// Buckets are partitioned into a standard and an elevated tier; elevated buckets get
// both capacity and refill rate multiplied by a configurable ratio.
// Checking a bucket never blocks and never touches a shared store.
//
// Three algorithms are supported:
//   - token bucket (default, golang.org/x/time/rate)
//   - leaky bucket (GCRA, github.com/throttled/throttled/v2)
//   - sliding window (github.com/RussellLuo/slidingwindow)
package ratelimit
