/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission implements admission control for HTTP APIs protecting shared backend resources from overload.
//
// Every request not matching an exempt path is checked against the caller's bucket and rejected with 429 when it
// is exhausted. Admitted requests of routes mapped to a queue class are turned into tickets and executed by the
// class processor within its concurrency limit, in priority order. When the queue backend cannot be reached
// the request is dispatched directly to the handler.
//
// Service owns all of the state and is started and stopped as a service.Unit.
package admission
