/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"time"

	"github.com/google/uuid"
)

// State is a state of a ticket.
type State string

// Ticket states. Succeeded, Expired and Failed are terminal.
const (
	StateQueued    State = "queued"
	StateClaimed   State = "claimed"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExpired || s == StateFailed
}

// TicketRecord is the part of a ticket that is stored in a Backend.
// It carries no request data.
type TicketRecord struct {
	ID         string    `json:"id" bson:"id"`
	Class      string    `json:"class" bson:"class"`
	Kind       string    `json:"kind" bson:"kind"`
	Priority   int       `json:"priority" bson:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt" bson:"enqueuedAt"`
	Deadline   time.Time `json:"deadline" bson:"deadline"`
	Attempts   int       `json:"attempts" bson:"attempts"`
}

// NewTicketRecord creates a record with a fresh id and deadline = now + timeout.
func NewTicketRecord(class, kind string, priority int, now time.Time, timeout time.Duration) TicketRecord {
	return TicketRecord{
		ID:         uuid.NewString(),
		Class:      class,
		Kind:       kind,
		Priority:   priority,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
	}
}

// Expired reports whether the deadline has passed.
func (r *TicketRecord) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

// Payload is the data a handler executes. Kind is the name of the route class the request was mapped to.
type Payload struct {
	Kind    string
	Request interface{}
}

// Result is what a handler returns on success.
type Result interface{}
