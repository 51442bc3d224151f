/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs the long-lived parts of the admission daemon (HTTP server, queue processors,
// system metrics sampler) as units with a common start/stop lifecycle.
package service

// Unit is a component with its own lifecycle.
type Unit interface {
	// Start either initializes the unit and returns, or blocks for the unit's lifetime.
	// A unit that fails writes exactly one error to fatalErr and returns.
	// The channel must not be used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is an interface for objects that can register its own metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
