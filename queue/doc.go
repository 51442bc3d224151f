/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package queue implements priority-aware queue classes that decouple admission of a request from its execution.
//
// A Class accepts tickets and hands back a Future the caller waits on. Ticket records are stored in a Backend
// (in-memory, Redis or MongoDB); the request payload itself stays in process memory and is never persisted.
// A Processor per class runs exactly maxConcurrent workers that claim the highest-priority ticket
// (FIFO among equal priorities), run the handler, and retry failures with exponential backoff.
package queue
