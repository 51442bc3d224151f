/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains assertions shared by tests of HTTP handlers and metrics.
package testutil

type tHelper interface {
	Helper()
}
