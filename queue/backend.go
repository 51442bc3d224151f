/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"time"
)

// Backend is a durable store of ticket records.
//
// Dequeue atomically claims the ticket with the highest priority (FIFO among equal priorities)
// that is visible now, or returns nil, nil when there is none. A claimed ticket is not returned
// by Dequeue again until it is nacked. Ack removes it for good; Nack increments its Attempts and makes it
// visible again after retryDelay keeping its original position among tickets of the same priority.
// Errors caused by the backend being unreachable wrap ErrQueueUnavailable.
// The class argument names a queue, Class passes its instance-scoped QueueKey.
type Backend interface {
	Enqueue(ctx context.Context, class string, rec TicketRecord, priority int) (ticketID string, err error)
	Dequeue(ctx context.Context, class string) (*TicketRecord, error)
	Ack(ctx context.Context, ticketID string) error
	Nack(ctx context.Context, ticketID string, retryDelay time.Duration) error
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close(ctx context.Context) error
}

// priorityScore orders tickets by priority descending, then by sequence number ascending.
// Priorities must stay within ±9000 to keep scores exact in float64.
func priorityScore(priority int, seq int64) float64 {
	return -float64(priority)*1e12 + float64(seq)
}
